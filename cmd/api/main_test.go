package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type recordingSink struct {
	bytes.Buffer
	syncs int
}

func (s *recordingSink) Sync() error {
	s.syncs++
	return nil
}

func newRecordingLogger(sink *recordingSink) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, sink, zapcore.InfoLevel))
}

func TestExitCodeFlushesFailure(t *testing.T) {
	sink := &recordingSink{}
	code := exitCode(newRecordingLogger(sink), errors.New("connect postgres: refused"))

	assert.Equal(t, 1, code)
	assert.Contains(t, sink.String(), "oakregistry stopped")
	assert.Contains(t, sink.String(), "connect postgres: refused")
	assert.Equal(t, 1, sink.syncs)
}

func TestExitCodeCleanShutdown(t *testing.T) {
	sink := &recordingSink{}
	code := exitCode(newRecordingLogger(sink), nil)

	assert.Equal(t, 0, code)
	assert.Empty(t, sink.String())
	assert.Equal(t, 1, sink.syncs)
}
