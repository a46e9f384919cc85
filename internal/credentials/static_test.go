package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	creds, err := NewStatic(" key ", "APP").Credentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, "key", creds.APIKey)
	require.Equal(t, "APP", creds.AppID)

	_, err = NewStatic("", "APP").Credentials(context.Background())
	require.ErrorIs(t, err, ErrMissing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewStatic("key", "APP").Credentials(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
