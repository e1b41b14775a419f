// Command static-triage is the bundled analysis plugin. It answers the
// "static" and "strings" capabilities for samples on local disk.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/pkg/sdk"
)

const (
	defaultMinString = 5
	defaultMaxString = 200
	chunkSize        = 64 << 10
)

var magics = []struct {
	prefix []byte
	format string
}{
	{[]byte("MZ"), "pe"},
	{[]byte{0x7f, 'E', 'L', 'F'}, "elf"},
	{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "macho"},
	{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "macho"},
	{[]byte{0xca, 0xfe, 0xba, 0xbe}, "macho-fat"},
	{[]byte("PK\x03\x04"), "zip"},
	{[]byte("%PDF-"), "pdf"},
	{[]byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}, "ole"},
	{[]byte("#!"), "script"},
}

func main() {
	sdk.Main(sdk.Info{Type: "analysis"}, sdk.HandlerFunc(handle))
}

func handle(ctx context.Context, t *sdk.Task) (map[string]any, error) {
	progress := func(pct float64, msg string) { _ = t.Progress(ctx, pct, msg) }
	return analyze(ctx, t.Capability, t.SampleRef, t.Parameters, progress)
}

// samplePath accepts a bare path or a file:// reference.
func samplePath(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "file://"):
		return strings.TrimPrefix(ref, "file://"), nil
	case strings.Contains(ref, "://"):
		return "", fault.Newf(fault.CodePluginFailure, "unsupported sample reference %q", ref)
	default:
		return ref, nil
	}
}

func analyze(ctx context.Context, capability, ref string, params map[string]any, progress func(float64, string)) (map[string]any, error) {
	path, err := samplePath(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodePluginFailure, err, "open sample")
	}
	defer f.Close()

	switch capability {
	case "static":
		return digest(ctx, f, progress)
	case "strings":
		return extractStrings(ctx, f, intParam(params, "min_length", defaultMinString), intParam(params, "max_results", defaultMaxString))
	default:
		return nil, fault.Newf(fault.CodeUnroutable, "capability %q not handled by static-triage", capability)
	}
}

func digest(ctx context.Context, f *os.File, progress func(float64, string)) (map[string]any, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fault.Wrap(fault.CodePluginFailure, err, "stat sample")
	}
	size := st.Size()

	h := blake3.New()
	var counts [256]int64
	var head []byte
	buf := make([]byte, chunkSize)
	var read int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = h.Write(chunk)
			for _, b := range chunk {
				counts[b]++
			}
			if len(head) < 16 {
				head = append(head, chunk[:min(n, 16-len(head))]...)
			}
			read += int64(n)
			if size > 0 {
				progress(float64(read)*100/float64(size), "hashing")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodePluginFailure, err, "read sample")
		}
	}

	return map[string]any{
		"size":    read,
		"blake3":  hex.EncodeToString(h.Sum(nil)),
		"entropy": math.Round(entropy(counts[:], read)*1000) / 1000,
		"format":  detectFormat(head),
	}, nil
}

func detectFormat(head []byte) string {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.prefix) {
			return m.format
		}
	}
	return "unknown"
}

// entropy is Shannon entropy in bits per byte.
func entropy(counts []int64, total int64) float64 {
	if total == 0 {
		return 0
	}
	var e float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		e -= p * math.Log2(p)
	}
	return e
}

func extractStrings(ctx context.Context, r io.Reader, minLen, maxResults int) (map[string]any, error) {
	br := bufio.NewReaderSize(r, chunkSize)
	var found []string
	total := 0
	var cur []byte

	flush := func() {
		if len(cur) >= minLen {
			total++
			if len(found) < maxResults {
				found = append(found, string(cur))
			}
		}
		cur = cur[:0]
	}

	for i := 0; ; i++ {
		if i%chunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodePluginFailure, err, "read sample")
		}
		if b >= 0x20 && b < 0x7f || b == '\t' {
			cur = append(cur, b)
			continue
		}
		flush()
	}
	flush()

	return map[string]any{
		"count":     total,
		"strings":   found,
		"truncated": total > len(found),
	}, nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
