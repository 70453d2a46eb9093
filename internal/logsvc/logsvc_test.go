package logsvc

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCriticalWritesLocallyWithoutToken(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0), "", "test")

	l.Critical("serial reused", errors.New("boom"), map[string]interface{}{"session_id": "s1"})
	l.Close()

	assert.Contains(t, buf.String(), "CRITICAL serial reused: boom")
	assert.Contains(t, buf.String(), "session_id:s1")
}
