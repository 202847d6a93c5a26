package application

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/internal/infrastructure/signer/singlekey"
	arklib "github.com/arkade-os/batch-settler/pkg/ark-lib"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/script"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree/treetest"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	testBatchId     = "batch-1"
	testBatchExpiry = int64(144)
	testIntentTxid  = "9ae7c4bd2f0c1d13cd4a8e5cf1d0aa0e1c9c6f1f0de7f2e3a4b5c6d7e8f90011"
	testIntentId    = "intent-id-1"
	testVtxoAmount  = uint64(50_000)
)

// testBatch is a batch settling one vtxo of the user into one offchain
// output, cosigned by the user and the server.
type testBatch struct {
	userKey   *btcec.PrivateKey
	serverKey *btcec.PrivateKey
	signer    ports.SignerService

	contract domain.Contract
	vtxo     domain.Vtxo
	coin     domain.Coin
	intent   domain.Intent
	info     *ports.ServerInfo
	params   batchParams

	sweepRoot []byte
	batch     *treetest.Batch
}

type testBatchOpts struct {
	numOfConnectors int
	swept           bool
}

func newTestBatch(t *testing.T, opts testBatchOpts) *testBatch {
	t.Helper()

	userKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	serverKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiverKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	expiry := arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: uint32(testBatchExpiry)}
	sweepRoot, err := sweepTapTreeRoot(serverKey.PubKey(), expiry)
	require.NoError(t, err)

	contract, vtxoScript := makeContract(t, userKey.PubKey(), serverKey.PubKey(), expiry)
	vtxo := domain.Vtxo{
		Outpoint: domain.Outpoint{
			Txid: chainhash.HashH([]byte("vtxo")).String(),
			VOut: 0,
		},
		Amount:    testVtxoAmount,
		Script:    hex.EncodeToString(vtxoScript),
		Swept:     opts.swept,
		CreatedAt: 1,
	}

	receiverScript, err := txutils.P2TRScript(receiverKey.PubKey())
	require.NoError(t, err)

	forfeitAddr, err := btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(serverKey.PubKey()), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	forfeitScript, err := txscript.PayToAddrScript(forfeitAddr)
	require.NoError(t, err)

	batch, err := treetest.NewBatch(treetest.BatchParams{
		Receivers: []treetest.Receiver{
			{Script: receiverScript, Amount: int64(testVtxoAmount)},
		},
		Cosigners:        []*btcec.PublicKey{userKey.PubKey(), serverKey.PubKey()},
		SweepTapTreeRoot: sweepRoot,
		ConnectorScript:  forfeitScript,
		NumOfConnectors:  opts.numOfConnectors,
	})
	require.NoError(t, err)

	serverPubkey := hex.EncodeToString(serverKey.PubKey().SerializeCompressed())
	info := &ports.ServerInfo{
		Version:        "test",
		Network:        arklib.BitcoinRegTest.Name,
		SignerPubkey:   serverPubkey,
		ForfeitPubkey:  serverPubkey,
		ForfeitAddress: forfeitAddr.EncodeAddress(),
		DustLimit:      330,
	}

	coin, err := newCoinResolver(serverKey.PubKey()).GetCoin(contract, vtxo)
	require.NoError(t, err)

	intent, err := domain.NewIntent(
		testIntentTxid, "wallet", "",
		"register-proof", "register-message", "delete-proof", "delete-message",
		[]domain.Outpoint{vtxo.Outpoint},
		[]domain.IntentOutput{{Script: hex.EncodeToString(receiverScript), Amount: testVtxoAmount}},
		0, 0,
	)
	require.NoError(t, err)

	return &testBatch{
		userKey:   userKey,
		serverKey: serverKey,
		signer:    singlekey.NewSignerFromKey(userKey),
		contract:  contract,
		vtxo:      vtxo,
		coin:      *coin,
		intent:    *intent,
		info:      info,
		params: batchParams{
			forfeitPubkey: serverKey.PubKey(),
			forfeitScript: forfeitScript,
		},
		sweepRoot: sweepRoot,
		batch:     batch,
	}
}

// makeContract returns a contract with a forfeit leaf cosigned by user and
// server and a unilateral exit leaf, and the output script it commits to.
func makeContract(
	t *testing.T, userKey, serverKey *btcec.PublicKey, exitDelay arklib.RelativeLocktime,
) (domain.Contract, []byte) {
	t.Helper()

	forfeitClosure := &script.MultisigClosure{PubKeys: []*btcec.PublicKey{userKey, serverKey}}
	exitClosure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{userKey}},
		Locktime:        exitDelay,
	}

	forfeitScript, err := forfeitClosure.Script()
	require.NoError(t, err)
	exitScript, err := exitClosure.Script()
	require.NoError(t, err)

	tapTree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(exitScript), txscript.NewBaseTapLeaf(forfeitScript),
	)
	root := tapTree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(script.UnspendableKey(), root[:])
	outputScript, err := txutils.P2TRScript(outputKey)
	require.NoError(t, err)

	return domain.Contract{
		Script:     hex.EncodeToString(outputScript),
		WalletId:   "wallet",
		Tapscripts: []string{hex.EncodeToString(exitScript), hex.EncodeToString(forfeitScript)},
		CreatedAt:  1,
	}, outputScript
}

func (b *testBatch) userPubkey() string {
	return hex.EncodeToString(b.userKey.PubKey().SerializeCompressed())
}

func (b *testBatch) serverPubkey() string {
	return hex.EncodeToString(b.serverKey.PubKey().SerializeCompressed())
}

func (b *testBatch) commitmentTx(t *testing.T) string {
	t.Helper()
	b64, err := b.batch.CommitmentTx.B64Encode()
	require.NoError(t, err)
	return b64
}

func (b *testBatch) commitmentTxid() string {
	return b.batch.CommitmentTx.UnsignedTx.TxID()
}

// treeTxEvents returns the events streaming the vtxo and connector trees.
func (b *testBatch) treeTxEvents(t *testing.T, batchId string) []domain.BatchEvent {
	t.Helper()

	events := make([]domain.BatchEvent, 0)
	vtxoNodes, err := b.batch.VtxoTree.Serialize()
	require.NoError(t, err)
	for _, node := range vtxoNodes {
		events = append(events, domain.TreeTx{
			Id: batchId, BatchIndex: domain.VtxoTreeBatchIndex, Node: node,
		})
	}

	if b.batch.ConnectorTree == nil {
		return events
	}
	connectorNodes, err := b.batch.ConnectorTree.Serialize()
	require.NoError(t, err)
	for _, node := range connectorNodes {
		events = append(events, domain.TreeTx{
			Id: batchId, BatchIndex: domain.ConnectorTreeBatchIndex, Node: node,
		})
	}
	return events
}

func (b *testBatch) treeSigningStarted(t *testing.T, batchId string) domain.TreeSigningStarted {
	return domain.TreeSigningStarted{
		Id:                   batchId,
		UnsignedCommitmentTx: b.commitmentTx(t),
		CosignersPubkeys:     []string{b.userPubkey(), b.serverPubkey()},
	}
}

// serverSession returns the signer session of the server cosigner.
func (b *testBatch) serverSession(t *testing.T) (tree.SignerSession, tree.TreeNonces) {
	t.Helper()

	session := tree.NewTreeSignerSession(tree.NewPrivateKeySigner(b.serverKey), b.serverKey.PubKey())
	require.NoError(t, session.Init(b.sweepRoot, b.batch.SharedAmount, b.batch.VtxoTree))
	nonces, err := session.GetNonces(context.Background())
	require.NoError(t, err)
	return session, nonces
}

// nonceEvents returns the TreeNonces events announcing the nonces of both
// cosigners and the expected coordinator aggregate.
func (b *testBatch) nonceEvents(
	t *testing.T, batchId string, userNonces, serverNonces tree.TreeNonces,
) ([]domain.BatchEvent, domain.TreeNoncesAggregated) {
	t.Helper()

	events := make([]domain.BatchEvent, 0, len(userNonces))
	aggregated := make(tree.TreeNonces)
	for txid, userNonce := range userNonces {
		serverNonce, ok := serverNonces[txid]
		require.True(t, ok)

		events = append(events, domain.TreeNonces{
			Id:   batchId,
			Txid: txid,
			Nonces: map[string]*tree.Musig2Nonce{
				b.userPubkey():   userNonce,
				b.serverPubkey(): serverNonce,
			},
		})

		aggNonce, err := musig2.AggregateNonces(
			[][66]byte{userNonce.PubNonce, serverNonce.PubNonce},
		)
		require.NoError(t, err)
		aggregated[txid] = &tree.Musig2Nonce{PubNonce: aggNonce}
	}
	return events, domain.TreeNoncesAggregated{Id: batchId, Nonces: aggregated}
}

// serverSigs returns the partial signatures of the server cosigner.
func (b *testBatch) serverSigs(
	t *testing.T, session tree.SignerSession,
	nonceEvents []domain.BatchEvent, aggregated domain.TreeNoncesAggregated,
) tree.TreePartialSigs {
	t.Helper()

	for _, event := range nonceEvents {
		e, ok := event.(domain.TreeNonces)
		require.True(t, ok)
		require.NoError(t, session.AddNonces(e.Txid, e.Nonces))
	}
	require.NoError(t, session.SetAggregatedNonces(aggregated.Nonces))
	sigs, err := session.Sign(context.Background())
	require.NoError(t, err)
	return sigs
}

// treeSignatureEvents returns the events broadcasting the final signatures of
// the vtxo tree, combined out of the partial signatures of all cosigners.
func (b *testBatch) treeSignatureEvents(
	t *testing.T, batchId string, allSigs ...tree.TreePartialSigs,
) []domain.BatchEvent {
	t.Helper()

	events := make([]domain.BatchEvent, 0)
	err := b.batch.VtxoTree.Apply(func(node *tree.TxTree) (bool, error) {
		txid := node.Root.UnsignedTx.TxID()
		keys, err := txutils.ParseCosignerKeysFromArkPsbt(node.Root, 0)
		require.NoError(t, err)

		sigs := make([]*musig2.PartialSignature, 0, len(allSigs))
		for _, signerSigs := range allSigs {
			sig, ok := signerSigs[txid]
			require.True(t, ok)
			sigs = append(sigs, sig)
		}

		combined := musig2.CombineSigs(
			sigs[0].R, sigs,
			musig2.WithTaprootTweakedCombine(b.treeTxSighash(t, node.Root), keys, b.sweepRoot, true),
		)
		events = append(events, domain.TreeSignature{
			Id:         batchId,
			BatchIndex: domain.VtxoTreeBatchIndex,
			Txid:       txid,
			Signature:  hex.EncodeToString(combined.Serialize()),
		})
		return true, nil
	})
	require.NoError(t, err)
	return events
}

func (b *testBatch) treeTxSighash(t *testing.T, tx *psbt.Packet) [32]byte {
	t.Helper()

	prevOutpoint := tx.UnsignedTx.TxIn[0].PreviousOutPoint
	var prevout *wire.TxOut
	if prevOutpoint.Hash == b.batch.CommitmentTx.UnsignedTx.TxHash() {
		prevout = b.batch.CommitmentTx.UnsignedTx.TxOut[prevOutpoint.Index]
	} else {
		parent := b.batch.VtxoTree.Find(prevOutpoint.Hash.String())
		require.NotNil(t, parent)
		prevout = parent.Root.UnsignedTx.TxOut[prevOutpoint.Index]
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(prevout.PkScript, prevout.Value)
	message, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx.UnsignedTx, fetcher),
		txscript.SigHashDefault, tx.UnsignedTx, 0, fetcher,
	)
	require.NoError(t, err)
	return [32]byte(message)
}

func (b *testBatch) submittedIntent(id string) domain.Intent {
	intent := b.intent
	intent.Id = id
	intent.State = domain.IntentStateWaitingForBatch
	intent.Version = 1
	return intent
}

func hashedId(id string) string {
	intent := domain.Intent{Id: id}
	return intent.HashedId()
}
