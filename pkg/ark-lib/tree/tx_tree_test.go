package tree_test

import (
	"testing"

	"github.com/arkade-os/batch-settler/pkg/ark-lib/tree"
	"github.com/stretchr/testify/require"
)

func TestTxTree(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		batch, _ := makeBatch(t, 8, 2)

		flatTree, err := batch.VtxoTree.Serialize()
		require.NoError(t, err)
		require.Len(t, flatTree, 15)

		vtxoTree, err := tree.NewTxTree(flatTree)
		require.NoError(t, err)
		require.NoError(t, vtxoTree.Validate())
		require.Equal(t, batch.VtxoTree.Root.UnsignedTx.TxID(), vtxoTree.Root.UnsignedTx.TxID())
		require.Len(t, vtxoTree.Txs(), 15)

		leaves := vtxoTree.Leaves()
		require.Len(t, leaves, 8)
		expectedLeaves := batch.VtxoTree.Leaves()
		for i, leaf := range leaves {
			require.Equal(t, expectedLeaves[i].UnsignedTx.TxID(), leaf.UnsignedTx.TxID())
		}

		leafTxid := leaves[5].UnsignedTx.TxID()
		found := vtxoTree.Find(leafTxid)
		require.NotNil(t, found)
		require.Empty(t, found.Children)
		require.Nil(t, vtxoTree.Find("unknown"))

		subTree, err := vtxoTree.SubTree([]string{leafTxid})
		require.NoError(t, err)
		require.Len(t, subTree.Leaves(), 1)
		require.Len(t, subTree.Txs(), 4)
		require.Equal(t, leafTxid, subTree.Leaves()[0].UnsignedTx.TxID())
	})

	t.Run("invalid", func(t *testing.T) {
		t.Run("empty", func(t *testing.T) {
			_, err := tree.NewTxTree(nil)
			require.ErrorIs(t, err, tree.ErrEmptyTree)
		})

		t.Run("multiple roots", func(t *testing.T) {
			batch, _ := makeBatch(t, 2, 2)
			other, _ := makeBatch(t, 2, 2)

			flatTree, err := batch.VtxoTree.Serialize()
			require.NoError(t, err)
			otherRoot, err := other.VtxoTree.RootNode()
			require.NoError(t, err)
			otherRoot.Children = nil

			_, err = tree.NewTxTree(append(flatTree, otherRoot))
			require.ErrorContains(t, err, "multiple roots")
		})

		t.Run("txid mismatch", func(t *testing.T) {
			batch, _ := makeBatch(t, 2, 2)
			flatTree, err := batch.VtxoTree.Serialize()
			require.NoError(t, err)
			flatTree[0].Txid = flatTree[1].Txid

			_, err = tree.NewTxTree(flatTree)
			require.Error(t, err)
		})

		t.Run("missing child", func(t *testing.T) {
			batch, _ := makeBatch(t, 4, 2)
			flatTree, err := batch.VtxoTree.Serialize()
			require.NoError(t, err)

			_, err = tree.NewTxTree(flatTree[1:])
			require.Error(t, err)
		})

		t.Run("amount mismatch", func(t *testing.T) {
			batch, _ := makeBatch(t, 2, 2)
			batch.VtxoTree.Children[0].Root.UnsignedTx.TxOut[0].Value++

			err := batch.VtxoTree.Validate()
			require.ErrorIs(t, err, tree.ErrInvalidAmount)
		})
	})
}
