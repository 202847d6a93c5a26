package tree

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/arkade-os/batch-settler/pkg/ark-lib/txutils"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMissingVtxoTree   = errors.New("missing vtxo tree")
	ErrNotCosigner       = errors.New("signer key is not a cosigner of any tree tx")
	ErrNonceMismatch     = errors.New("aggregated nonce mismatch")
	ErrNoncesNotComputed = errors.New("nonces not generated")
	ErrNoncesNotSet      = errors.New("aggregated nonces not set")
)

type Musig2Nonce struct {
	PubNonce [66]byte
}

func (n *Musig2Nonce) String() string {
	return hex.EncodeToString(n.PubNonce[:])
}

// NewMusig2NonceFromString parses a hex encoded public nonce.
func NewMusig2NonceFromString(s string) (*Musig2Nonce, error) {
	buf, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce format: %w", err)
	}
	if len(buf) != 66 {
		return nil, fmt.Errorf("expected nonce to be 66 bytes, got %d", len(buf))
	}
	return &Musig2Nonce{PubNonce: [66]byte(buf)}, nil
}

// TreeNonces is a map of txid to public nonces only
// it implements json.Marshaler and json.Unmarshaler
type TreeNonces map[string]*Musig2Nonce // txid -> public nonces only

func (n TreeNonces) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, nonce := range n {
		mapObject[txid] = nonce.String()
	}
	return json.Marshal(mapObject)
}

func (n *TreeNonces) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*n = make(TreeNonces)
	for txid, nonceStr := range mapObject {
		nonce, err := NewMusig2NonceFromString(nonceStr)
		if err != nil {
			return err
		}
		(*n)[txid] = nonce
	}
	return nil
}

// TreePartialSigs is a map of txid to partial signature
// it implements json.Marshaler and json.Unmarshaler
type TreePartialSigs map[string]*musig2.PartialSignature // txid -> partial signature

func (s TreePartialSigs) MarshalJSON() ([]byte, error) {
	mapObject := make(map[string]string)
	for txid, sig := range s {
		var sigBytes bytes.Buffer
		if err := sig.Encode(&sigBytes); err != nil {
			return nil, err
		}
		mapObject[txid] = hex.EncodeToString(sigBytes.Bytes())
	}
	return json.Marshal(mapObject)
}

func (s *TreePartialSigs) UnmarshalJSON(data []byte) error {
	mapObject := make(map[string]string)
	if err := json.Unmarshal(data, &mapObject); err != nil {
		return err
	}

	*s = make(TreePartialSigs)
	for txid, sigStr := range mapObject {
		sigBytes, err := hex.DecodeString(sigStr)
		if err != nil {
			return err
		}

		sig := &musig2.PartialSignature{}
		if err := sig.Decode(bytes.NewReader(sigBytes)); err != nil {
			return err
		}
		(*s)[txid] = sig
	}
	return nil
}

// MusigContext holds everything needed to produce a musig2 partial signature
// for the single input of a tree tx. It lives only in memory.
type MusigContext struct {
	Txid string
	// Keys are the cosigner keys, ordered as declared in the psbt input
	Keys         []*btcec.PublicKey
	Message      [32]byte
	TaprootTweak []byte
	LocalKey     *btcec.PublicKey
	AggregateKey *musig2.AggregateKey
	// AggregatedNonce is set once accepted from the coordinator
	AggregatedNonce *[66]byte
}

// MusigSigner is the capability that owns the secret key behind a local cosigner key.
type MusigSigner interface {
	GenerateNonce(ctx context.Context, musigCtx *MusigContext) (*musig2.Nonces, error)
	Sign(
		ctx context.Context, musigCtx *MusigContext, nonces *musig2.Nonces,
	) (*musig2.PartialSignature, error)
}

type SignerSession interface {
	Init(sweepTapTreeRoot []byte, sharedOutputAmount int64, vtxoTree *TxTree) error
	GetPublicKey() string
	// GetNonces generates (once) and returns the public nonces of the session
	GetNonces(ctx context.Context) (TreeNonces, error)
	// AddNonces records the nonces announced by the cosigners of the given tx,
	// indexed by hex encoded public key
	AddNonces(txid string, nonces map[string]*Musig2Nonce) error
	SetAggregatedNonces(nonces TreeNonces) error
	Sign(ctx context.Context) (TreePartialSigs, error)
}

// AggregateKeys is a wrapper around musig2.AggregateKeys using the given scriptRoot as taproot tweak
func AggregateKeys(
	pubkeys []*btcec.PublicKey,
	scriptRoot []byte,
) (*musig2.AggregateKey, error) {
	if len(pubkeys) == 0 {
		return nil, errors.New("no pubkeys")
	}

	for _, pubkey := range pubkeys {
		if pubkey == nil {
			return nil, errors.New("nil pubkey")
		}
	}

	// if there is only one pubkey, fallback to classic P2TR
	if len(pubkeys) == 1 {
		res := &musig2.AggregateKey{
			PreTweakedKey: pubkeys[0],
		}

		if len(scriptRoot) > 0 {
			res.FinalKey = txscript.ComputeTaprootOutputKey(pubkeys[0], scriptRoot)
		} else {
			res.FinalKey = pubkeys[0]
		}

		return res, nil
	}

	opts := make([]musig2.KeyAggOption, 0)
	if len(scriptRoot) > 0 {
		opts = append(opts, musig2.WithTaprootKeyTweak(scriptRoot))
	}

	key, _, _, err := musig2.AggregateKeys(pubkeys, true, opts...)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// ValidateTreeSigs iterates over the tree nodes and verifies the TaprootKeySpendSig
// against the aggregated key of the cosigners declared in the psbt input.
func ValidateTreeSigs(
	sweepTapTreeRoot []byte, sharedOutputAmount int64, vtxoTree *TxTree,
) error {
	prevoutFetcherFactory := newPrevOutFetcherFactory(vtxoTree, sharedOutputAmount, sweepTapTreeRoot)

	return vtxoTree.Apply(func(node *TxTree) (bool, error) {
		tx := node.Root
		sig := tx.Inputs[0].TaprootKeySpendSig
		if len(sig) == 0 {
			return false, fmt.Errorf("unsigned tree input %s", tx.UnsignedTx.TxID())
		}

		schnorrSig, err := schnorr.ParseSignature(sig)
		if err != nil {
			return false, fmt.Errorf("failed to parse signature: %w", err)
		}

		keys, err := txutils.ParseCosignerKeysFromArkPsbt(tx, 0)
		if err != nil {
			return false, err
		}

		aggregateKey, err := AggregateKeys(keys, sweepTapTreeRoot)
		if err != nil {
			return false, err
		}

		message, err := treeTxSighash(tx, prevoutFetcherFactory)
		if err != nil {
			return false, err
		}

		if !schnorrSig.Verify(message[:], aggregateKey.FinalKey) {
			return false, fmt.Errorf("invalid signature for txid %s", tx.UnsignedTx.TxID())
		}
		return true, nil
	})
}

func NewTreeSignerSession(signer MusigSigner, pubkey *btcec.PublicKey) SignerSession {
	return &treeSignerSession{
		signer: signer,
		pubkey: pubkey,
	}
}

type treeSignerSession struct {
	signer MusigSigner
	pubkey *btcec.PublicKey

	lock            sync.Mutex
	contexts        map[string]*MusigContext
	myNonces        map[string]*musig2.Nonces
	receivedNonces  map[string]map[string][66]byte // txid -> xonly key -> pub nonce
	localAggregates map[string][66]byte
}

// Init builds one musig context per tree tx the local key cosigns.
func (t *treeSignerSession) Init(
	sweepTapTreeRoot []byte, sharedOutputAmount int64, vtxoTree *TxTree,
) error {
	if vtxoTree == nil || vtxoTree.Root == nil {
		return ErrMissingVtxoTree
	}

	prevoutFetcherFactory := newPrevOutFetcherFactory(vtxoTree, sharedOutputAmount, sweepTapTreeRoot)
	localKey := schnorr.SerializePubKey(t.pubkey)

	contexts := make(map[string]*MusigContext)
	if err := vtxoTree.Apply(func(node *TxTree) (bool, error) {
		tx := node.Root
		keys, err := txutils.ParseCosignerKeysFromArkPsbt(tx, 0)
		if err != nil {
			return false, err
		}
		if !containsKey(keys, localKey) {
			return true, nil
		}

		aggregateKey, err := AggregateKeys(keys, sweepTapTreeRoot)
		if err != nil {
			return false, fmt.Errorf("failed to aggregate keys of %s: %w", tx.UnsignedTx.TxID(), err)
		}

		message, err := treeTxSighash(tx, prevoutFetcherFactory)
		if err != nil {
			return false, err
		}

		txid := tx.UnsignedTx.TxID()
		contexts[txid] = &MusigContext{
			Txid:         txid,
			Keys:         keys,
			Message:      message,
			TaprootTweak: sweepTapTreeRoot,
			LocalKey:     t.pubkey,
			AggregateKey: aggregateKey,
		}
		return true, nil
	}); err != nil {
		return err
	}

	if len(contexts) == 0 {
		return ErrNotCosigner
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	t.contexts = contexts
	t.myNonces = nil
	t.receivedNonces = make(map[string]map[string][66]byte)
	t.localAggregates = make(map[string][66]byte)
	return nil
}

func (t *treeSignerSession) GetPublicKey() string {
	return hex.EncodeToString(t.pubkey.SerializeCompressed())
}

// GetNonces returns only the public musig2 nonces for each transaction
// where the signer's key is in the list of cosigners
func (t *treeSignerSession) GetNonces(ctx context.Context) (TreeNonces, error) {
	t.lock.Lock()
	contexts := t.contexts
	myNonces := t.myNonces
	t.lock.Unlock()

	if contexts == nil {
		return nil, ErrMissingVtxoTree
	}

	if myNonces == nil {
		generated, err := forEachContext(ctx, contexts, func(
			ctx context.Context, musigCtx *MusigContext,
		) (*musig2.Nonces, error) {
			return t.signer.GenerateNonce(ctx, musigCtx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate nonces: %w", err)
		}

		t.lock.Lock()
		if t.myNonces == nil {
			t.myNonces = generated
		}
		myNonces = t.myNonces
		t.lock.Unlock()
	}

	publicNonces := make(TreeNonces)
	for txid, nonces := range myNonces {
		publicNonces[txid] = &Musig2Nonce{nonces.PubNonce}
	}
	return publicNonces, nil
}

func (t *treeSignerSession) AddNonces(txid string, nonces map[string]*Musig2Nonce) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.contexts == nil {
		return ErrMissingVtxoTree
	}

	musigCtx, ok := t.contexts[txid]
	if !ok {
		return nil
	}

	received, ok := t.receivedNonces[txid]
	if !ok {
		received = make(map[string][66]byte)
		t.receivedNonces[txid] = received
	}

	for key, nonce := range nonces {
		if nonce == nil {
			continue
		}
		xonlyKey, err := parseXOnlyKey(key)
		if err != nil {
			return fmt.Errorf("invalid cosigner key %s: %w", key, err)
		}
		received[xonlyKey] = nonce.PubNonce
	}

	localKey := hex.EncodeToString(schnorr.SerializePubKey(t.pubkey))
	if myNonce, ok := t.myNonces[txid]; ok {
		if announced, ok := received[localKey]; ok && announced != myNonce.PubNonce {
			return fmt.Errorf("%w: own nonce announced for %s differs", ErrNonceMismatch, txid)
		}
	}

	pubNonces := make([][66]byte, 0, len(musigCtx.Keys))
	for _, key := range musigCtx.Keys {
		nonce, ok := received[hex.EncodeToString(schnorr.SerializePubKey(key))]
		if !ok {
			return nil
		}
		pubNonces = append(pubNonces, nonce)
	}

	aggregatedNonce, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return fmt.Errorf("failed to aggregate nonces of %s: %w", txid, err)
	}
	t.localAggregates[txid] = aggregatedNonce
	return nil
}

// SetAggregatedNonces accepts the coordinator's aggregated nonces. Every nonce
// must match the one computed locally out of the announced cosigner nonces.
func (t *treeSignerSession) SetAggregatedNonces(nonces TreeNonces) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.contexts == nil {
		return ErrMissingVtxoTree
	}
	if t.myNonces == nil {
		return ErrNoncesNotComputed
	}

	accepted := make(map[string][66]byte, len(t.contexts))
	for txid := range t.contexts {
		nonce, ok := nonces[txid]
		if !ok || nonce == nil {
			return fmt.Errorf("missing aggregated nonce for txid %s", txid)
		}
		local, ok := t.localAggregates[txid]
		if !ok {
			return fmt.Errorf(
				"%w: cosigner nonces for txid %s not received", ErrNonceMismatch, txid,
			)
		}
		if local != nonce.PubNonce {
			return fmt.Errorf("%w for txid %s", ErrNonceMismatch, txid)
		}
		accepted[txid] = nonce.PubNonce
	}

	for txid, nonce := range accepted {
		aggregatedNonce := nonce
		t.contexts[txid].AggregatedNonce = &aggregatedNonce
	}
	return nil
}

// Sign generates the musig2 partial signatures for each transaction where the signer's key is in the list of keys
func (t *treeSignerSession) Sign(ctx context.Context) (TreePartialSigs, error) {
	t.lock.Lock()
	contexts := t.contexts
	myNonces := t.myNonces
	t.lock.Unlock()

	if contexts == nil {
		return nil, ErrMissingVtxoTree
	}
	if myNonces == nil {
		return nil, ErrNoncesNotComputed
	}
	for txid, musigCtx := range contexts {
		if musigCtx.AggregatedNonce == nil {
			return nil, fmt.Errorf("%w: txid %s", ErrNoncesNotSet, txid)
		}
		if _, ok := myNonces[txid]; !ok {
			return nil, fmt.Errorf("missing secret nonce for txid %s", txid)
		}
	}

	sigs, err := forEachContext(ctx, contexts, func(
		ctx context.Context, musigCtx *MusigContext,
	) (*musig2.PartialSignature, error) {
		return t.signer.Sign(ctx, musigCtx, myNonces[musigCtx.Txid])
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign tree: %w", err)
	}
	return TreePartialSigs(sigs), nil
}

// NewPrivateKeySigner returns a MusigSigner backed by an in-memory private key.
func NewPrivateKeySigner(privateKey *btcec.PrivateKey) MusigSigner {
	return &privateKeySigner{privateKey}
}

type privateKeySigner struct {
	privateKey *btcec.PrivateKey
}

func (s *privateKeySigner) GenerateNonce(
	_ context.Context, musigCtx *MusigContext,
) (*musig2.Nonces, error) {
	opts := []musig2.NonceGenOption{
		musig2.WithPublicKey(s.privateKey.PubKey()),
		musig2.WithNonceSecretKeyAux(s.privateKey),
	}
	if musigCtx != nil {
		opts = append(opts, musig2.WithNonceMessageAux(musigCtx.Message))
		if musigCtx.AggregateKey != nil {
			opts = append(opts, musig2.WithNonceCombinedKeyAux(musigCtx.AggregateKey.FinalKey))
		}
	}
	return musig2.GenNonces(opts...)
}

func (s *privateKeySigner) Sign(
	_ context.Context, musigCtx *MusigContext, nonces *musig2.Nonces,
) (*musig2.PartialSignature, error) {
	if musigCtx == nil || musigCtx.AggregatedNonce == nil {
		return nil, ErrNoncesNotSet
	}
	if nonces == nil {
		return nil, ErrNoncesNotComputed
	}

	opts := []musig2.SignOption{musig2.WithSortedKeys()}
	if len(musigCtx.TaprootTweak) > 0 {
		opts = append(opts, musig2.WithTaprootSignTweak(musigCtx.TaprootTweak))
	}
	return musig2.Sign(
		nonces.SecNonce, s.privateKey, *musigCtx.AggregatedNonce,
		musigCtx.Keys, musigCtx.Message, opts...,
	)
}

type prevOutFetcherFactory func(*psbt.Packet) (txscript.PrevOutputFetcher, error)

// newPrevOutFetcherFactory resolves the output spent by a tree tx: the batch
// output for the root, the parent's output for any other node.
func newPrevOutFetcherFactory(
	vtxoTree *TxTree, sharedOutputAmount int64, sweepTapTreeRoot []byte,
) prevOutFetcherFactory {
	return func(partial *psbt.Packet) (txscript.PrevOutputFetcher, error) {
		parentOutpoint := partial.UnsignedTx.TxIn[0].PreviousOutPoint
		parentTxid := parentOutpoint.Hash.String()

		// root tx case
		if vtxoTree.Root.UnsignedTx.TxIn[0].PreviousOutPoint.Hash.String() == parentTxid {
			keys, err := txutils.ParseCosignerKeysFromArkPsbt(partial, 0)
			if err != nil {
				return nil, err
			}

			aggregateKey, err := AggregateKeys(keys, sweepTapTreeRoot)
			if err != nil {
				return nil, err
			}

			pkScript, err := txutils.P2TRScript(aggregateKey.FinalKey)
			if err != nil {
				return nil, err
			}

			return &treePrevOutFetcher{
				prevout: &wire.TxOut{Value: sharedOutputAmount, PkScript: pkScript},
			}, nil
		}

		parent := vtxoTree.Find(parentTxid)
		if parent == nil {
			return nil, fmt.Errorf("parent tx %s not found", parentTxid)
		}
		if int(parentOutpoint.Index) >= len(parent.Root.UnsignedTx.TxOut) {
			return nil, fmt.Errorf("%w: %s:%d", ErrInvalidChildInput, parentTxid, parentOutpoint.Index)
		}

		return &treePrevOutFetcher{
			prevout: parent.Root.UnsignedTx.TxOut[parentOutpoint.Index],
		}, nil
	}
}

type treePrevOutFetcher struct {
	prevout *wire.TxOut
}

func (f *treePrevOutFetcher) FetchPrevOutput(wire.OutPoint) *wire.TxOut {
	return f.prevout
}

func treeTxSighash(tx *psbt.Packet, factory prevOutFetcherFactory) ([32]byte, error) {
	prevoutFetcher, err := factory(tx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to get prevout of %s: %w", tx.UnsignedTx.TxID(), err)
	}

	message, err := txscript.CalcTaprootSignatureHash(
		txscript.NewTxSigHashes(tx.UnsignedTx, prevoutFetcher),
		txscript.SigHashDefault,
		tx.UnsignedTx,
		0,
		prevoutFetcher,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to compute sighash of %s: %w", tx.UnsignedTx.TxID(), err)
	}
	return [32]byte(message), nil
}

// forEachContext runs fn over every context with bounded concurrency.
func forEachContext[T any](
	ctx context.Context, contexts map[string]*MusigContext,
	fn func(ctx context.Context, musigCtx *MusigContext) (T, error),
) (map[string]T, error) {
	results := make(map[string]T, len(contexts))
	mu := sync.Mutex{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for txid, musigCtx := range contexts {
		g.Go(func() error {
			res, err := fn(gctx, musigCtx)
			if err != nil {
				return fmt.Errorf("txid %s: %w", txid, err)
			}
			mu.Lock()
			results[txid] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func containsKey(keys []*btcec.PublicKey, xonlyKey []byte) bool {
	for _, key := range keys {
		if bytes.Equal(schnorr.SerializePubKey(key), xonlyKey) {
			return true
		}
	}
	return false
}

// parseXOnlyKey accepts both compressed and x-only hex keys.
func parseXOnlyKey(key string) (string, error) {
	buf, err := hex.DecodeString(key)
	if err != nil {
		return "", err
	}
	switch len(buf) {
	case 32:
		if _, err := schnorr.ParsePubKey(buf); err != nil {
			return "", err
		}
		return key, nil
	case 33:
		pubkey, err := btcec.ParsePubKey(buf)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(schnorr.SerializePubKey(pubkey)), nil
	default:
		return "", fmt.Errorf("unexpected key length %d", len(buf))
	}
}
