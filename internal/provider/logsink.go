package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// tflogSink forwards logr records to the Terraform logger carried by ctx.
// Level 0 maps to INFO, higher levels to DEBUG.
type tflogSink struct {
	ctx    context.Context
	name   string
	fields map[string]any
}

var _ logr.LogSink = (*tflogSink)(nil)

// withLogger returns ctx carrying a logr.Logger backed by tflog, so the
// engine and host client log into the provider output.
func withLogger(ctx context.Context) context.Context {
	return logr.NewContext(ctx, logr.New(&tflogSink{ctx: ctx}))
}

func (s *tflogSink) Init(logr.RuntimeInfo) {}

func (s *tflogSink) Enabled(int) bool { return true }

func (s *tflogSink) Info(level int, msg string, keysAndValues ...any) {
	fields := s.merge(keysAndValues)
	if level > 0 {
		tflog.Debug(s.ctx, msg, fields)
		return
	}
	tflog.Info(s.ctx, msg, fields)
}

func (s *tflogSink) Error(err error, msg string, keysAndValues ...any) {
	fields := s.merge(keysAndValues)
	if err != nil {
		fields["error"] = err.Error()
	}
	tflog.Error(s.ctx, msg, fields)
}

func (s *tflogSink) WithValues(keysAndValues ...any) logr.LogSink {
	return &tflogSink{ctx: s.ctx, name: s.name, fields: s.merge(keysAndValues)}
}

func (s *tflogSink) WithName(name string) logr.LogSink {
	if s.name != "" {
		name = s.name + "/" + name
	}
	return &tflogSink{ctx: s.ctx, name: name, fields: s.merge(nil)}
}

func (s *tflogSink) merge(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(s.fields)+len(keysAndValues)/2+1)
	for k, v := range s.fields {
		fields[k] = v
	}
	if s.name != "" {
		fields["logger"] = s.name
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields[key] = nil
			break
		}
		fields[key] = fieldValue(keysAndValues[i+1])
	}
	return fields
}

// fieldValue keeps values tflog can encode as JSON and stringifies the rest.
func fieldValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return val
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
