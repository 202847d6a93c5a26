package domain

import "github.com/arkade-os/batch-settler/pkg/ark-lib/tree"

const (
	VtxoTreeBatchIndex      = 0
	ConnectorTreeBatchIndex = 1
)

// BatchEvent is one of the events pushed by the server during a batch.
type BatchEvent interface {
	isBatchEvent()
}

type BatchEventChannel struct {
	Event BatchEvent
	Err   error
}

type BatchStarted struct {
	Id              string
	HashedIntentIds []string
	// BatchExpiry is expressed in blocks if lower than 512, in seconds otherwise
	BatchExpiry int64
}

type TreeTx struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Node       tree.TxTreeNode
}

type TreeSigningStarted struct {
	Id string
	// UnsignedCommitmentTx is a base64 encoded psbt
	UnsignedCommitmentTx string
	CosignersPubkeys     []string
}

type TreeNonces struct {
	Id    string
	Topic []string
	Txid  string
	// Nonces are indexed by hex encoded cosigner public key
	Nonces map[string]*tree.Musig2Nonce
}

type TreeNoncesAggregated struct {
	Id     string
	Nonces tree.TreeNonces
}

type TreeSignature struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Txid       string
	Signature  string
}

type BatchFinalization struct {
	Id string
	// CommitmentTx is a base64 encoded psbt
	CommitmentTx string
}

type BatchFinalized struct {
	Id             string
	CommitmentTxid string
}

type BatchFailed struct {
	Id     string
	Reason string
}

type Heartbeat struct{}

func (BatchStarted) isBatchEvent()         {}
func (TreeTx) isBatchEvent()               {}
func (TreeSigningStarted) isBatchEvent()   {}
func (TreeNonces) isBatchEvent()           {}
func (TreeNoncesAggregated) isBatchEvent() {}
func (TreeSignature) isBatchEvent()        {}
func (BatchFinalization) isBatchEvent()    {}
func (BatchFinalized) isBatchEvent()       {}
func (BatchFailed) isBatchEvent()          {}
func (Heartbeat) isBatchEvent()            {}
