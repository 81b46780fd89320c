package mailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogMailer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewLogMailer(zap.New(core).Sugar())

	require.NoError(t, m.SendVerification(context.Background(), "ada@x.com", "Ada", "http://api/verify"))
	require.NoError(t, m.SendPasswordReset(context.Background(), "ada@x.com", "Ada", "http://web/reset"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "verification email", entries[0].Message)
	assert.Equal(t, "http://api/verify", entries[0].ContextMap()["link"])
	assert.Equal(t, "password reset email", entries[1].Message)
}
