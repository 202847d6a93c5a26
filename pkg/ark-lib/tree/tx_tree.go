package tree

import (
	"fmt"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
)

// TxTree is the representation of a directed tree of psbt packets.
// It is used to represent the vtxo and connector trees.
type TxTree struct {
	Root     *psbt.Packet
	Children map[uint32]*TxTree // output index -> child tree
}

// TxTreeNode is a node of a tree of txs as received from the server.
type TxTreeNode struct {
	Txid string
	// Tx is the base64 encoded PSBT
	Tx string
	// Children maps output index to child txid
	Children map[uint32]string
}

// FlatTxTree is the list form of a tree, as accumulated from the event stream.
type FlatTxTree []TxTreeNode

// NewTxTree creates a new TxTree from a list of nodes.
// Parents are discovered via declared child links: the root is the only node
// that no other node declares as child.
func NewTxTree(flatTxTree FlatTxTree) (*TxTree, error) {
	if len(flatTxTree) == 0 {
		return nil, ErrEmptyTree
	}

	nodesByTxid := make(map[string]decodedTxTreeNode)
	for _, node := range flatTxTree {
		packet, err := psbt.NewFromRawBytes(strings.NewReader(node.Tx), true)
		if err != nil {
			return nil, fmt.Errorf("failed to decode PSBT: %w", err)
		}
		txid := packet.UnsignedTx.TxID()
		if node.Txid != "" && node.Txid != txid {
			return nil, fmt.Errorf("node txid %s doesn't match tx %s", node.Txid, txid)
		}
		if _, ok := nodesByTxid[txid]; ok {
			return nil, fmt.Errorf("duplicated node %s", txid)
		}
		nodesByTxid[txid] = decodedTxTreeNode{
			Tx:       packet,
			Children: node.Children,
		}
	}

	childTxids := make(map[string]struct{})
	for _, node := range nodesByTxid {
		for _, childTxid := range node.Children {
			childTxids[childTxid] = struct{}{}
		}
	}

	rootTxids := make([]string, 0)
	for txid := range nodesByTxid {
		if _, isChild := childTxids[txid]; !isChild {
			rootTxids = append(rootTxids, txid)
		}
	}

	if len(rootTxids) == 0 {
		return nil, ErrNoRoot
	}

	if len(rootTxids) > 1 {
		return nil, fmt.Errorf("multiple roots found %d: %v", len(rootTxids), rootTxids)
	}

	txTree, err := buildTree(rootTxids[0], nodesByTxid, make(map[string]struct{}))
	if err != nil {
		return nil, err
	}

	// every given node must be reachable from the root
	if txTree.countNodes() != len(flatTxTree) {
		return nil, fmt.Errorf(
			"built tree doesn't match the number of given nodes, expected %d got %d",
			len(flatTxTree), txTree.countNodes(),
		)
	}

	return txTree, nil
}

func (t *TxTree) countNodes() int {
	nb := 1
	for _, child := range t.Children {
		nb += child.countNodes()
	}
	return nb
}

// Serialize serializes the tree into a FlatTxTree.
func (t *TxTree) Serialize() (FlatTxTree, error) {
	if t == nil {
		return make(FlatTxTree, 0), nil
	}

	nodes := make(FlatTxTree, 0)
	for _, child := range t.Children {
		childrenNodes, err := child.Serialize()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, childrenNodes...)
	}

	rootNode, err := t.RootNode()
	if err != nil {
		return nil, err
	}

	nodes = append(nodes, rootNode)
	return nodes, nil
}

func (t *TxTree) RootNode() (TxTreeNode, error) {
	if t == nil {
		return TxTreeNode{}, fmt.Errorf("unexpected nil tree")
	}

	serializedTx, err := t.Root.B64Encode()
	if err != nil {
		return TxTreeNode{}, err
	}

	childTxids := make(map[uint32]string)
	for outputIndex, child := range t.Children {
		childTxids[outputIndex] = child.Root.UnsignedTx.TxID()
	}

	return TxTreeNode{
		Txid:     t.Root.UnsignedTx.TxID(),
		Tx:       serializedTx,
		Children: childTxids,
	}, nil
}

// Validate checks that the tree is coherent:
// - every node has exactly one input
// - the input of every child is the output of the parent at the declared index
// - the sum of the child's outputs is equal to the spent output of the parent
func (t *TxTree) Validate() error {
	if t.Root == nil {
		return fmt.Errorf("unexpected nil root")
	}

	nbOfOutputs := uint32(len(t.Root.UnsignedTx.TxOut))
	nbOfInputs := len(t.Root.UnsignedTx.TxIn)

	if nbOfInputs != 1 {
		return fmt.Errorf("unexpected number of inputs: %d, expected 1", nbOfInputs)
	}

	if len(t.Children) > int(nbOfOutputs) {
		return fmt.Errorf(
			"unexpected number of children: %d, expected maximum %d",
			len(t.Children), nbOfOutputs,
		)
	}

	txid := t.Root.UnsignedTx.TxID()
	for outputIndex, child := range t.Children {
		if outputIndex >= nbOfOutputs {
			return fmt.Errorf(
				"output index %d is out of bounds (nb of outputs: %d)", outputIndex, nbOfOutputs,
			)
		}

		if err := child.Validate(); err != nil {
			return err
		}

		childPreviousOutpoint := child.Root.UnsignedTx.TxIn[0].PreviousOutPoint
		if childPreviousOutpoint.Hash.String() != txid ||
			childPreviousOutpoint.Index != outputIndex {
			return fmt.Errorf("%w: child %d of %s", ErrInvalidChildInput, outputIndex, txid)
		}

		childOutputsSum := int64(0)
		for _, output := range child.Root.UnsignedTx.TxOut {
			childOutputsSum += output.Value
		}

		if parentValue := t.Root.UnsignedTx.TxOut[outputIndex].Value; childOutputsSum != parentValue {
			return fmt.Errorf(
				"%w: child %d of %s, %d != %d",
				ErrInvalidAmount, outputIndex, txid, childOutputsSum, parentValue,
			)
		}
	}

	return nil
}

// Leaves returns all txs of the tree without children
func (t *TxTree) Leaves() []*psbt.Packet {
	if len(t.Children) == 0 {
		return []*psbt.Packet{t.Root}
	}

	leaves := make([]*psbt.Packet, 0)
	for _, index := range t.childIndexes() {
		leaves = append(leaves, t.Children[index].Leaves()...)
	}

	return leaves
}

// Find returns the subtree rooted at the tx matching the provided txid
func (t *TxTree) Find(txid string) *TxTree {
	if t.Root.UnsignedTx.TxID() == txid {
		return t
	}

	for _, child := range t.Children {
		if f := child.Find(txid); f != nil {
			return f
		}
	}

	return nil
}

// Apply executes the given function to all txs in the tree.
// The function returns whether Apply should continue with the children.
func (t *TxTree) Apply(fn func(tx *TxTree) (bool, error)) error {
	shouldContinue, err := fn(t)
	if err != nil {
		return err
	}

	if !shouldContinue {
		return nil
	}

	for _, child := range t.Children {
		if err := child.Apply(fn); err != nil {
			return err
		}
	}

	return nil
}

// Txs returns the txs of the tree indexed by txid.
func (t *TxTree) Txs() map[string]*psbt.Packet {
	txs := make(map[string]*psbt.Packet)
	// nolint
	t.Apply(func(tx *TxTree) (bool, error) {
		txs[tx.Root.UnsignedTx.TxID()] = tx.Root
		return true, nil
	})
	return txs
}

// SubTree returns the subtree from the root to the given txids.
func (t *TxTree) SubTree(txids []string) (*TxTree, error) {
	if len(txids) == 0 {
		return nil, fmt.Errorf("no txids provided")
	}

	txidSet := make(map[string]bool)
	for _, txid := range txids {
		txidSet[txid] = true
	}

	subTree := t.buildSubTree(txidSet)
	if subTree == nil {
		return nil, fmt.Errorf("none of the given txids belongs to the tree")
	}
	return subTree, nil
}

func (t *TxTree) buildSubTree(targetTxids map[string]bool) *TxTree {
	subTree := &TxTree{
		Root:     t.Root,
		Children: make(map[uint32]*TxTree),
	}

	if targetTxids[t.Root.UnsignedTx.TxID()] {
		return subTree
	}

	for outputIndex, child := range t.Children {
		if childSubTree := child.buildSubTree(targetTxids); childSubTree != nil {
			subTree.Children[outputIndex] = childSubTree
		}
	}

	if len(subTree.Children) == 0 {
		return nil
	}

	return subTree
}

func (t *TxTree) childIndexes() []uint32 {
	indexes := make([]uint32, 0, len(t.Children))
	for index := range t.Children {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	return indexes
}

func buildTree(
	rootTxid string, nodesByTxid map[string]decodedTxTreeNode, visited map[string]struct{},
) (*TxTree, error) {
	node, exists := nodesByTxid[rootTxid]
	if !exists {
		return nil, fmt.Errorf("missing node %s", rootTxid)
	}
	if _, ok := visited[rootTxid]; ok {
		return nil, fmt.Errorf("node %s is referenced more than once", rootTxid)
	}
	visited[rootTxid] = struct{}{}

	tree := &TxTree{
		Root:     node.Tx,
		Children: make(map[uint32]*TxTree),
	}

	for outputIndex, childTxid := range node.Children {
		child, err := buildTree(childTxid, nodesByTxid, visited)
		if err != nil {
			return nil, err
		}
		tree.Children[outputIndex] = child
	}

	return tree, nil
}

type decodedTxTreeNode struct {
	Tx       *psbt.Packet
	Children map[uint32]string // output index -> child txid
}
