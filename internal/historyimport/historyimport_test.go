package historyimport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rustory-sh/rustory/internal/storage"
)

func TestEndToEnd_ImportIdempotence(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	content := ": 1700000000:0;echo a\n: 1700000001:0;echo b\n"

	first, err := ImportZshHistory(store, strings.NewReader(content), "u1", "dev-1", "host-1")
	require.NoError(t, err)
	require.Equal(t, ImportStats{Received: 2, Inserted: 2, Ignored: 0}, first)

	second, err := ImportZshHistory(store, strings.NewReader(content), "u1", "dev-1", "host-1")
	require.NoError(t, err)
	require.Equal(t, ImportStats{Received: 2, Inserted: 0, Ignored: 2}, second)
}

func TestImportZshHistory_SkipsMalformedLines(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	content := "plain-line-without-marker\n: 1700000000:0;echo ok\n"
	stats, err := ImportZshHistory(store, strings.NewReader(content), "u1", "dev-1", "host-1")
	require.NoError(t, err)
	require.Equal(t, ImportStats{Received: 1, Inserted: 1, Ignored: 0}, stats)
}

func TestImportBashHistory_PairsTimestampWithFollowingLine(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	content := "#1700000000\necho a\n#1700000001\necho b\n"
	stats, err := ImportBashHistory(store, strings.NewReader(content), "u1", "dev-1", "host-1")
	require.NoError(t, err)
	require.Equal(t, ImportStats{Received: 2, Inserted: 2, Ignored: 0}, stats)
}
