package restclient

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arkade-os/batch-settler/internal/core/domain"
	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
)

// int64Value accepts both the string and the number encoding of an int64,
// the gateway uses the former.
type int64Value int64

func (v *int64Value) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid int64 %s", string(data))
		}
		n = json.Number(s)
	}
	if n == "" {
		*v = 0
		return nil
	}
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %s: %w", n, err)
	}
	*v = int64Value(i)
	return nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type infoResponse struct {
	Version             string     `json:"version"`
	Network             string     `json:"network"`
	SignerPubkey        string     `json:"signerPubkey"`
	ForfeitPubkey       string     `json:"forfeitPubkey"`
	ForfeitAddress      string     `json:"forfeitAddress"`
	CheckpointTapscript string     `json:"checkpointTapscript"`
	Dust                int64Value `json:"dust"`
	UnilateralExitDelay int64Value `json:"unilateralExitDelay"`
	BoardingExitDelay   int64Value `json:"boardingExitDelay"`
	SessionDuration     int64Value `json:"sessionDuration"`
	UtxoMinAmount       int64Value `json:"utxoMinAmount"`
	UtxoMaxAmount       int64Value `json:"utxoMaxAmount"`
	VtxoMinAmount       int64Value `json:"vtxoMinAmount"`
	VtxoMaxAmount       int64Value `json:"vtxoMaxAmount"`
	Fees                *struct {
		IntentFee map[string]string `json:"intentFee"`
		TxFeeRate string            `json:"txFeeRate"`
	} `json:"fees"`
}

type intentMessage struct {
	Proof   string `json:"proof"`
	Message string `json:"message"`
}

type intentRequest struct {
	Intent intentMessage `json:"intent"`
}

type registerIntentResponse struct {
	IntentId string `json:"intentId"`
}

type confirmRegistrationRequest struct {
	IntentId string `json:"intentId"`
}

type submitTreeNoncesRequest struct {
	BatchId    string          `json:"batchId"`
	Pubkey     string          `json:"pubkey"`
	TreeNonces tree.TreeNonces `json:"treeNonces"`
}

type submitTreeSignaturesRequest struct {
	BatchId        string               `json:"batchId"`
	Pubkey         string               `json:"pubkey"`
	TreeSignatures tree.TreePartialSigs `json:"treeSignatures"`
}

type submitSignedForfeitTxsRequest struct {
	SignedForfeitTxs   []string `json:"signedForfeitTxs"`
	SignedCommitmentTx string   `json:"signedCommitmentTx"`
}

type eventStreamMessage struct {
	Result *eventResponse `json:"result"`
	Error  *errorResponse `json:"error"`
}

type eventResponse struct {
	BatchStarted *struct {
		Id             string     `json:"id"`
		IntentIdHashes []string   `json:"intentIdHashes"`
		BatchExpiry    int64Value `json:"batchExpiry"`
	} `json:"batchStarted"`
	BatchFinalization *struct {
		Id           string `json:"id"`
		CommitmentTx string `json:"commitmentTx"`
	} `json:"batchFinalization"`
	BatchFinalized *struct {
		Id             string `json:"id"`
		CommitmentTxid string `json:"commitmentTxid"`
	} `json:"batchFinalized"`
	BatchFailed *struct {
		Id     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"batchFailed"`
	TreeSigningStarted *struct {
		Id                   string   `json:"id"`
		CosignersPubkeys     []string `json:"cosignersPubkeys"`
		UnsignedCommitmentTx string   `json:"unsignedCommitmentTx"`
	} `json:"treeSigningStarted"`
	TreeNonces *struct {
		Id     string            `json:"id"`
		Topic  []string          `json:"topic"`
		Txid   string            `json:"txid"`
		Nonces map[string]string `json:"nonces"`
	} `json:"treeNonces"`
	TreeNoncesAggregated *struct {
		Id         string          `json:"id"`
		TreeNonces tree.TreeNonces `json:"treeNonces"`
	} `json:"treeNoncesAggregated"`
	TreeTx *struct {
		Id         string            `json:"id"`
		Topic      []string          `json:"topic"`
		BatchIndex int32             `json:"batchIndex"`
		Txid       string            `json:"txid"`
		Tx         string            `json:"tx"`
		Children   map[uint32]string `json:"children"`
	} `json:"treeTx"`
	TreeSignature *struct {
		Id         string   `json:"id"`
		Topic      []string `json:"topic"`
		BatchIndex int32    `json:"batchIndex"`
		Txid       string   `json:"txid"`
		Signature  string   `json:"signature"`
	} `json:"treeSignature"`
	Heartbeat *struct{} `json:"heartbeat"`
}

// toBatchEvent returns a nil event for messages of unknown type.
func (e eventResponse) toBatchEvent() (domain.BatchEvent, error) {
	switch {
	case e.BatchStarted != nil:
		return domain.BatchStarted{
			Id:              e.BatchStarted.Id,
			HashedIntentIds: e.BatchStarted.IntentIdHashes,
			BatchExpiry:     int64(e.BatchStarted.BatchExpiry),
		}, nil
	case e.BatchFinalization != nil:
		return domain.BatchFinalization{
			Id:           e.BatchFinalization.Id,
			CommitmentTx: e.BatchFinalization.CommitmentTx,
		}, nil
	case e.BatchFinalized != nil:
		return domain.BatchFinalized{
			Id:             e.BatchFinalized.Id,
			CommitmentTxid: e.BatchFinalized.CommitmentTxid,
		}, nil
	case e.BatchFailed != nil:
		return domain.BatchFailed{
			Id:     e.BatchFailed.Id,
			Reason: e.BatchFailed.Reason,
		}, nil
	case e.TreeSigningStarted != nil:
		return domain.TreeSigningStarted{
			Id:                   e.TreeSigningStarted.Id,
			UnsignedCommitmentTx: e.TreeSigningStarted.UnsignedCommitmentTx,
			CosignersPubkeys:     e.TreeSigningStarted.CosignersPubkeys,
		}, nil
	case e.TreeNonces != nil:
		nonces := make(map[string]*tree.Musig2Nonce, len(e.TreeNonces.Nonces))
		for pubkey, nonce := range e.TreeNonces.Nonces {
			n, err := tree.NewMusig2NonceFromString(nonce)
			if err != nil {
				return nil, fmt.Errorf("invalid nonce of cosigner %s: %w", pubkey, err)
			}
			nonces[pubkey] = n
		}
		return domain.TreeNonces{
			Id:     e.TreeNonces.Id,
			Topic:  e.TreeNonces.Topic,
			Txid:   e.TreeNonces.Txid,
			Nonces: nonces,
		}, nil
	case e.TreeNoncesAggregated != nil:
		return domain.TreeNoncesAggregated{
			Id:     e.TreeNoncesAggregated.Id,
			Nonces: e.TreeNoncesAggregated.TreeNonces,
		}, nil
	case e.TreeTx != nil:
		return domain.TreeTx{
			Id:         e.TreeTx.Id,
			Topic:      e.TreeTx.Topic,
			BatchIndex: e.TreeTx.BatchIndex,
			Node: tree.TxTreeNode{
				Txid:     e.TreeTx.Txid,
				Tx:       e.TreeTx.Tx,
				Children: e.TreeTx.Children,
			},
		}, nil
	case e.TreeSignature != nil:
		return domain.TreeSignature{
			Id:         e.TreeSignature.Id,
			Topic:      e.TreeSignature.Topic,
			BatchIndex: e.TreeSignature.BatchIndex,
			Txid:       e.TreeSignature.Txid,
			Signature:  e.TreeSignature.Signature,
		}, nil
	case e.Heartbeat != nil:
		return domain.Heartbeat{}, nil
	default:
		return nil, nil
	}
}
