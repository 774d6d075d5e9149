package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"money-transfer/internal/domain"
)

func TestTransferClient(t *testing.T) {
	h, reg, _ := newTransferServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx := context.Background()
	_, err := reg.Create(ctx, "A", 1000)
	require.NoError(t, err)
	_, err = reg.Create(ctx, "B", 0)
	require.NoError(t, err)

	c := NewTransferClient(srv.URL, nil)

	st, err := c.Submit(ctx, domain.TransferRequest{Sender: "A", Recipient: "B", Amount: 800, ReferenceID: "cli"})
	require.NoError(t, err)
	assert.Equal(t, "cli", st.ReferenceID())

	_, err = c.Get(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrSagaNotFound)

	require.Eventually(t, func() bool {
		st, err := c.Get(ctx, "cli")
		return err == nil && st.Status == domain.SagaAwaitingApproval
	}, time.Second, 5*time.Millisecond)

	_, err = c.Approve(ctx, "cli", "boss")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := c.Await(waitCtx, "cli", 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompleted, final.Status)

	_, err = c.Approve(ctx, "cli", "boss")
	assert.ErrorIs(t, err, domain.ErrSagaTerminal)
}
