package binpat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/binpat-plugin/pkg/binpattern"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func quietDecomposer(opts ...Option) *Decomposer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDecomposer(append([]Option{WithLogger(logger)}, opts...)...)
}

const flagTemplate = `
meta:
  id: flag_frame
  endian: le
seq:
  - id: length
    type: u1
  - id: flags
    type: flag_bits
bitfields:
  flag_bits:
    entries:
      - id: version
        bits: "3"
      - id: urgent
        bits: "1"
      - bits: "4"
        padding: true
`

func TestDecomposer_Decompose(t *testing.T) {
	path := writeTemplate(t, flagTemplate)
	d := quietDecomposer()

	root, err := d.Decompose(context.Background(), []byte{0x05, 0xB0}, path)
	require.NoError(t, err)
	require.Equal(t, binpattern.KindStruct, root.Kind())
	assert.Equal(t, "flag_frame", root.Name())
	assert.Equal(t, uint64(16), root.BitSize())
}

func TestDecomposer_DecomposeToMap(t *testing.T) {
	path := writeTemplate(t, flagTemplate)
	d := quietDecomposer()

	// 0xB0 = version 101, urgent 1, padding 0000.
	result, err := d.DecomposeToMap(context.Background(), []byte{0x05, 0xB0}, path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"length": uint8(5),
		"flags": map[string]any{
			"version": uint64(0b101),
			"urgent":  uint64(1),
		},
	}, result)
}

func TestDecomposer_DecomposeToJSON(t *testing.T) {
	path := writeTemplate(t, flagTemplate)
	d := quietDecomposer()

	out, err := d.DecomposeToJSON(context.Background(), []byte{0x05, 0xB0}, path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, float64(5), decoded["length"])
	flags := decoded["flags"].(map[string]any)
	assert.Equal(t, float64(5), flags["version"])
}

func TestDecomposer_RepoTemplates(t *testing.T) {
	d := quietDecomposer()

	t.Run("ipv4 header", func(t *testing.T) {
		// 20-byte header: version 4, IHL 5, DF set, TTL 64, TCP.
		data := []byte{
			0x45, 0x00, 0x00, 0x3C, 0x1C, 0x46, 0x40, 0x00,
			0x40, 0x06, 0xB1, 0xE6, 0xC0, 0xA8, 0x00, 0x68,
			0xC0, 0xA8, 0x00, 0x01,
		}
		result, err := d.DecomposeToMap(context.Background(), data, "../../test/formats/ipv4_header.yaml")
		require.NoError(t, err)

		head := result["head"].(map[string]any)
		assert.Equal(t, uint64(4), head["version"])
		assert.Equal(t, uint64(5), head["ihl"])
		frag := result["frag"].(map[string]any)
		assert.Equal(t, uint64(1), frag["dont_fragment"])
		assert.Equal(t, uint64(0), frag["fragment_offset"])
		assert.Equal(t, uint8(64), result["ttl"])
		assert.Equal(t, uint16(0x003C), result["total_length"])
	})

	t.Run("chat message", func(t *testing.T) {
		data := []byte{
			0xA8,      // version 101, urgent 0, encrypted 1, padding
			0x03,      // sender_len
			'b', 'o', 'b',
			0x02, 0x00, // body_len, little endian
			'h', 'i',
		}
		result, err := d.DecomposeToMap(context.Background(), data, "../../test/formats/chat_message.yaml")
		require.NoError(t, err)

		assert.Equal(t, "bob", result["sender"])
		assert.Equal(t, "hi", result["body"])
		flags := result["flags"].(map[string]any)
		assert.Equal(t, uint64(0b101), flags["version"])
		assert.Equal(t, uint64(0), flags["urgent"])
		assert.Equal(t, uint64(1), flags["encrypted"])
	})
}

func TestDecomposer_TemplateCaching(t *testing.T) {
	path := writeTemplate(t, flagTemplate)
	d := quietDecomposer(WithCaching(time.Minute))

	_, err := d.DecomposeToMap(context.Background(), []byte{0x01, 0x00}, path)
	require.NoError(t, err)

	// The cached schema survives removal of the file.
	require.NoError(t, os.Remove(path))
	_, err = d.DecomposeToMap(context.Background(), []byte{0x02, 0x00}, path)
	assert.NoError(t, err)

	d.ClearCache()
	_, err = d.DecomposeToMap(context.Background(), []byte{0x03, 0x00}, path)
	assert.Error(t, err, "cleared cache forces a reload from disk")
}

func TestDecomposer_Errors(t *testing.T) {
	d := quietDecomposer()

	t.Run("missing template", func(t *testing.T) {
		_, err := d.Decompose(context.Background(), []byte{0x00}, filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loading template")
	})

	t.Run("invalid template", func(t *testing.T) {
		path := writeTemplate(t, "meta:\n  title: no id\n")
		_, err := d.Decompose(context.Background(), []byte{0x00}, path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing meta.id")
	})

	t.Run("truncated data", func(t *testing.T) {
		path := writeTemplate(t, flagTemplate)
		_, err := d.Decompose(context.Background(), []byte{0x05}, path)
		require.Error(t, err)
		assert.True(t, binpattern.IsCode(err, binpattern.CodeOutOfBounds))
	})

	t.Run("cancelled context", func(t *testing.T) {
		path := writeTemplate(t, flagTemplate)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Decompose(ctx, []byte{0x05, 0xB0}, path)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPackageLevelConvenience(t *testing.T) {
	path := writeTemplate(t, flagTemplate)

	result, err := DecomposeToMap([]byte{0x07, 0x20}, path)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), result["length"])

	root, err := Decompose([]byte{0x07, 0x20}, path)
	require.NoError(t, err)
	assert.Equal(t, binpattern.KindStruct, root.Kind())

	out, err := DecomposeToJSON([]byte{0x07, 0x20}, path)
	require.NoError(t, err)
	assert.True(t, json.Valid(out))
}
