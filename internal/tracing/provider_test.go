package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/log"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func TestProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	// The no-op tracer hands out usable spans.
	_, span := p.Tracer().Start(context.Background(), "anything")
	EndSpan(span, "", "")
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestProvider_RejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "carrier-pigeon")
}

func TestProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestProvider_NoneExporterStillTraces(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "none", SampleRate: 1})
	require.NoError(t, err)
	require.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "out.jsonl")
	p, err := NewProvider(config.TracingConfig{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   path,
		SampleRate: 1,
	})
	require.NoError(t, err)

	ctx, span := StartWorkflowSpan(context.Background(), p.Tracer(), "planning", "wf-1", "sess-1")
	_, child := p.Tracer().Start(ctx, SpanPrefixNode+"draft")
	EndSpan(child, "node.retry_exhausted", "gave up")
	EndSpan(span, "", "")

	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	// Children flush before their parents.
	require.Equal(t, SpanPrefixNode+"draft", records[0].Name)
	require.Equal(t, "ERROR", records[0].Status)
	require.Equal(t, "node.retry_exhausted", records[0].Attributes[AttrErrorCode])
	require.Equal(t, records[1].SpanID, records[0].ParentID)

	require.Equal(t, "workflow.planning", records[1].Name)
	require.Equal(t, "OK", records[1].Status)
	require.Equal(t, "wf-1", records[1].Attributes[AttrWorkflowID])
	require.Equal(t, "sess-1", records[1].Attributes[AttrSessionID])
	require.Equal(t, records[0].TraceID, records[1].TraceID)
}
