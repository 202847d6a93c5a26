package application

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"slices"
	"strings"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	arklib "github.com/arkade-os/batch-settler/pkg/ark-lib"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	log "github.com/sirupsen/logrus"
)

// batchParams are the server parameters a batch session needs.
type batchParams struct {
	forfeitPubkey *btcec.PublicKey
	forfeitScript []byte
}

// batchSession drives one intent through one batch attempt. It is not safe
// for concurrent use: events of a connection are handled one at a time.
type batchSession struct {
	intent      domain.Intent
	batchId     string
	batchExpiry arklib.RelativeLocktime
	coins       []domain.Coin
	params      batchParams

	transport   ports.TransportClient
	signer      ports.SignerService
	cosignerKey *btcec.PublicKey

	vtxoNodes      tree.FlatTxTree
	connectorNodes tree.FlatTxTree
	signerSession  tree.SignerSession
	completed      bool

	// set once the vtxo tree is validated
	vtxoTree     *tree.TxTree
	sweepRoot    []byte
	sharedAmount int64
	signedTxs    int
}

func newBatchSession(
	intent domain.Intent, batchId string, batchExpiry int64, coins []domain.Coin,
	params batchParams, transport ports.TransportClient, signer ports.SignerService,
	cosignerKey *btcec.PublicKey,
) (*batchSession, error) {
	expiry, err := arklib.RelativeLocktimeFromValue(batchExpiry)
	if err != nil {
		return nil, fmt.Errorf("invalid batch expiry %d: %w", batchExpiry, err)
	}
	return &batchSession{
		intent:         intent,
		batchId:        batchId,
		batchExpiry:    expiry,
		coins:          coins,
		params:         params,
		transport:      transport,
		signer:         signer,
		cosignerKey:    cosignerKey,
		vtxoNodes:      make(tree.FlatTxTree, 0),
		connectorNodes: make(tree.FlatTxTree, 0),
	}, nil
}

func (s *batchSession) isCompleted() bool {
	return s.completed
}

// handleEvent returns true once the batch is finalized. Any error completes
// the session.
func (s *batchSession) handleEvent(ctx context.Context, event domain.BatchEvent) (bool, error) {
	if s.completed {
		return true, nil
	}

	done, err := s.handle(ctx, event)
	if err != nil || done {
		s.completed = true
	}
	return done, err
}

func (s *batchSession) handle(ctx context.Context, event domain.BatchEvent) (bool, error) {
	switch e := event.(type) {
	case domain.TreeTx:
		if e.Id != s.batchId {
			return false, nil
		}
		switch e.BatchIndex {
		case domain.VtxoTreeBatchIndex:
			s.vtxoNodes = append(s.vtxoNodes, e.Node)
		case domain.ConnectorTreeBatchIndex:
			s.connectorNodes = append(s.connectorNodes, e.Node)
		}
		return false, nil
	case domain.TreeSigningStarted:
		if e.Id != s.batchId {
			return false, nil
		}
		return false, s.onTreeSigningStarted(ctx, e)
	case domain.TreeNonces:
		if e.Id != s.batchId || s.signerSession == nil {
			return false, nil
		}
		return false, s.onTreeNonces(e)
	case domain.TreeNoncesAggregated:
		if e.Id != s.batchId || s.signerSession == nil {
			return false, nil
		}
		return false, s.onTreeNoncesAggregated(ctx, e)
	case domain.TreeSignature:
		if e.Id != s.batchId || e.BatchIndex != domain.VtxoTreeBatchIndex || s.vtxoTree == nil {
			return false, nil
		}
		return false, s.onTreeSignature(e)
	case domain.BatchFinalization:
		if e.Id != s.batchId {
			return false, nil
		}
		return false, s.onBatchFinalization(ctx, e)
	case domain.BatchFinalized:
		if e.Id != s.batchId {
			return false, nil
		}
		log.Debugf("batch %s finalized for intent %s", s.batchId, s.intent.Txid)
		return true, nil
	case domain.BatchFailed:
		if e.Id != s.batchId {
			return false, nil
		}
		return false, errors.BATCH_FAILED.New(
			"batch %s failed: %s", s.batchId, e.Reason,
		).WithMetadata(errors.BatchMetadata{BatchId: s.batchId})
	default:
		return false, nil
	}
}

func (s *batchSession) onTreeSigningStarted(
	ctx context.Context, event domain.TreeSigningStarted,
) error {
	if len(s.vtxoNodes) == 0 {
		return nil
	}

	commitmentTx, err := decodePsbt(event.UnsignedCommitmentTx)
	if err != nil {
		return errors.INVALID_VTXO_TREE.New(
			"invalid commitment tx: %s", err,
		).WithMetadata(errors.TreeMetadata{BatchId: s.batchId})
	}

	vtxoTree, err := tree.NewTxTree(s.vtxoNodes)
	if err != nil {
		return s.invalidVtxoTree(err)
	}

	sweepRoot, err := sweepTapTreeRoot(s.params.forfeitPubkey, s.batchExpiry)
	if err != nil {
		return err
	}

	if err := tree.ValidateVtxoTree(vtxoTree, commitmentTx, sweepRoot); err != nil {
		return s.invalidVtxoTree(err)
	}

	if err := validateOutputs(s.batchId, s.intent.Outputs, commitmentTx, vtxoTree); err != nil {
		return err
	}

	rootInput := vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint
	sharedAmount := commitmentTx.UnsignedTx.TxOut[rootInput.Index].Value
	s.vtxoTree = vtxoTree
	s.sweepRoot = sweepRoot
	s.sharedAmount = sharedAmount

	pubkey := hex.EncodeToString(s.cosignerKey.SerializeCompressed())
	if len(event.CosignersPubkeys) > 0 && !slices.Contains(event.CosignersPubkeys, pubkey) {
		log.Debugf("intent %s is not cosigning batch %s", s.intent.Txid, s.batchId)
		return nil
	}

	session := tree.NewTreeSignerSession(
		musigSigner{s.signer, s.intent.SignerDescriptor}, s.cosignerKey,
	)
	if err := session.Init(sweepRoot, sharedAmount, vtxoTree); err != nil {
		if stderrors.Is(err, tree.ErrNotCosigner) {
			log.Debugf("intent %s cosigns no tx of batch %s", s.intent.Txid, s.batchId)
			return nil
		}
		return s.invalidVtxoTree(err)
	}

	nonces, err := session.GetNonces(ctx)
	if err != nil {
		return err
	}

	if err := s.transport.SubmitTreeNonces(ctx, s.batchId, session.GetPublicKey(), nonces); err != nil {
		return transportError("SubmitTreeNonces", err)
	}

	s.signerSession = session
	log.Debugf("submitted %d tree nonces for intent %s", len(nonces), s.intent.Txid)
	return nil
}

func (s *batchSession) onTreeNonces(event domain.TreeNonces) error {
	if err := s.signerSession.AddNonces(event.Txid, event.Nonces); err != nil {
		if stderrors.Is(err, tree.ErrNonceMismatch) {
			return errors.NONCE_MISMATCH.New("%s", err).WithMetadata(
				errors.TreeMetadata{BatchId: s.batchId, Txid: event.Txid},
			)
		}
		return err
	}
	return nil
}

func (s *batchSession) onTreeNoncesAggregated(
	ctx context.Context, event domain.TreeNoncesAggregated,
) error {
	if err := s.signerSession.SetAggregatedNonces(event.Nonces); err != nil {
		if stderrors.Is(err, tree.ErrNonceMismatch) {
			return errors.NONCE_MISMATCH.New("%s", err).WithMetadata(
				errors.TreeMetadata{BatchId: s.batchId},
			)
		}
		return err
	}

	sigs, err := s.signerSession.Sign(ctx)
	if err != nil {
		return err
	}

	if err := s.transport.SubmitTreeSignatures(
		ctx, s.batchId, s.signerSession.GetPublicKey(), sigs,
	); err != nil {
		return transportError("SubmitTreeSignatures", err)
	}

	log.Debugf("submitted %d tree signatures for intent %s", len(sigs), s.intent.Txid)
	return nil
}

// onTreeSignature sets the final signature of a vtxo tree tx.
func (s *batchSession) onTreeSignature(event domain.TreeSignature) error {
	buf, err := hex.DecodeString(event.Signature)
	if err != nil {
		return s.invalidVtxoTree(fmt.Errorf("invalid signature format: %w", err))
	}
	sig, err := schnorr.ParseSignature(buf)
	if err != nil {
		return s.invalidVtxoTree(fmt.Errorf("failed to parse signature: %w", err))
	}

	node := s.vtxoTree.Find(event.Txid)
	if node == nil {
		log.Debugf("signature of unknown tree tx %s in batch %s", event.Txid, s.batchId)
		return nil
	}
	node.Root.Inputs[0].TaprootKeySpendSig = sig.Serialize()
	s.signedTxs++
	return nil
}

// validateTreeSigs checks the signatures of the branch of the vtxo tree from
// the root to the leaves paying the intent outputs. It's a no-op until the
// server broadcasts the final tree signatures.
func (s *batchSession) validateTreeSigs() error {
	if s.vtxoTree == nil || s.signedTxs == 0 {
		return nil
	}

	leafTxids := make([]string, 0)
	for _, leaf := range s.vtxoTree.Leaves() {
		if paysOutputs(leaf, s.intent.Outputs) {
			leafTxids = append(leafTxids, leaf.UnsignedTx.TxID())
		}
	}
	if len(leafTxids) == 0 {
		return nil
	}

	branch, err := s.vtxoTree.SubTree(leafTxids)
	if err != nil {
		return s.invalidVtxoTree(err)
	}
	if err := tree.ValidateTreeSigs(s.sweepRoot, s.sharedAmount, branch); err != nil {
		return s.invalidVtxoTree(err)
	}
	return nil
}

func (s *batchSession) onBatchFinalization(
	ctx context.Context, event domain.BatchFinalization,
) error {
	if err := s.validateTreeSigs(); err != nil {
		return err
	}

	connectorLeaves := make([]*psbt.Packet, 0)
	if len(s.connectorNodes) > 0 {
		commitmentTx, err := decodePsbt(event.CommitmentTx)
		if err != nil {
			return s.invalidConnectorTree(err)
		}
		connectorTree, err := tree.NewTxTree(s.connectorNodes)
		if err != nil {
			return s.invalidConnectorTree(err)
		}
		if err := tree.ValidateConnectorTree(commitmentTx, connectorTree); err != nil {
			return s.invalidConnectorTree(err)
		}
		connectorLeaves = connectorTree.Leaves()
	}

	toForfeit := make([]domain.Coin, 0, len(s.coins))
	for _, coin := range s.coins {
		if coin.RequiresForfeit() {
			toForfeit = append(toForfeit, coin)
		}
	}
	if len(toForfeit) == 0 {
		return nil
	}

	if len(connectorLeaves) < len(toForfeit) {
		return errors.INSUFFICIENT_CONNECTORS.New(
			"got %d connectors, %d forfeits required", len(connectorLeaves), len(toForfeit),
		).WithMetadata(errors.ConnectorsMetadata{
			BatchId:            s.batchId,
			AvailableConnector: len(connectorLeaves),
			RequiredConnector:  len(toForfeit),
		})
	}

	forfeitTxs := make([]string, 0, len(toForfeit))
	for i, coin := range toForfeit {
		forfeitTx, err := s.buildForfeitTx(ctx, coin, connectorLeaves[i])
		if err != nil {
			return fmt.Errorf("failed to forfeit vtxo %s: %w", coin.Vtxo.Outpoint, err)
		}
		forfeitTxs = append(forfeitTxs, forfeitTx)
	}

	if err := s.transport.SubmitSignedForfeitTxs(ctx, forfeitTxs, ""); err != nil {
		return transportError("SubmitSignedForfeitTxs", err)
	}

	log.Debugf("submitted %d forfeit txs for intent %s", len(forfeitTxs), s.intent.Txid)
	return nil
}

func (s *batchSession) buildForfeitTx(
	ctx context.Context, coin domain.Coin, connectorLeaf *psbt.Packet,
) (string, error) {
	vtxoOutpoint, err := coin.Vtxo.Outpoint.ToWire()
	if err != nil {
		return "", err
	}
	vtxoPrevout, err := coin.Vtxo.TxOut()
	if err != nil {
		return "", err
	}
	connectorOutpoint, connectorPrevout, err := connectorOutput(connectorLeaf)
	if err != nil {
		return "", err
	}

	ptx, err := tree.BuildForfeitTx(
		tree.ForfeitInput{
			Outpoint: *vtxoOutpoint,
			Prevout:  vtxoPrevout,
			TapLeaf: &psbt.TaprootTapLeafScript{
				ControlBlock: coin.ControlBlock,
				Script:       coin.ForfeitLeafScript,
				LeafVersion:  txscript.BaseLeafVersion,
			},
		},
		tree.ForfeitInput{
			Outpoint: *connectorOutpoint,
			Prevout:  connectorPrevout,
		},
		s.params.forfeitScript,
		0,
	)
	if err != nil {
		return "", err
	}

	descriptor := coin.Contract.SignerDescriptor
	if descriptor == "" {
		descriptor = s.intent.SignerDescriptor
	}
	if err := s.signer.SignTapscriptInput(ctx, descriptor, ptx, 0); err != nil {
		return "", err
	}

	return ptx.B64Encode()
}

func (s *batchSession) invalidVtxoTree(err error) error {
	return errors.INVALID_VTXO_TREE.New("%s", err).WithMetadata(
		errors.TreeMetadata{BatchId: s.batchId},
	)
}

func (s *batchSession) invalidConnectorTree(err error) error {
	return errors.INVALID_CONNECTOR_TREE.New("%s", err).WithMetadata(
		errors.TreeMetadata{BatchId: s.batchId},
	)
}

func transportError(method string, err error) error {
	return errors.TRANSPORT_ERROR.Wrap(err).WithMetadata(errors.TransportMetadata{Method: method})
}

func decodePsbt(b64 string) (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(strings.NewReader(b64), true)
}
