package imapconn

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/testutil"
)

type staticCredentials struct {
	username, secret string
}

func (s staticCredentials) IMAPCredentials(ctx context.Context, accountID int64) (string, string, error) {
	return s.username, s.secret, nil
}

func testAccount(t *testing.T, addr string) *models.Account {
	t.Helper()
	host, port, err := splitHostPort(addr)
	require.NoError(t, err)
	return &models.Account{
		ID:       1,
		IMAPHost: host,
		IMAPPort: port,
		TLSMode:  models.TLSModeInsecure,
	}
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return addr[:idx], port, nil
}

func TestBorrowReusesHealthySession(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	pool := NewPool(Config{
		Capacity:                2,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Millisecond,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    4,
		MaxNewConnPerSecPerHost: 100,
	}, staticCredentials{srv.Username(), srv.Password()}, zerolog.Nop())
	defer pool.Close()

	account := testAccount(t, srv.Address)

	c1, release1, err := pool.Borrow(context.Background(), account)
	require.NoError(t, err)
	release1()

	c2, release2, err := pool.Borrow(context.Background(), account)
	require.NoError(t, err)
	defer release2()

	assert.Same(t, c1, c2)
}

func TestBorrowRespectsAccountCapacity(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	pool := NewPool(Config{
		Capacity:                1,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Minute,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    4,
		MaxNewConnPerSecPerHost: 100,
	}, staticCredentials{srv.Username(), srv.Password()}, zerolog.Nop())
	defer pool.Close()

	account := testAccount(t, srv.Address)

	_, release1, err := pool.Borrow(context.Background(), account)
	require.NoError(t, err)
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = pool.Borrow(ctx, account)
	assert.Error(t, err)
}

func TestHasWaitersReflectsQueuedBorrowers(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	pool := NewPool(Config{
		Capacity:                1,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Minute,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    4,
		MaxNewConnPerSecPerHost: 100,
	}, staticCredentials{srv.Username(), srv.Password()}, zerolog.Nop())
	defer pool.Close()

	account := testAccount(t, srv.Address)

	_, release, err := pool.Borrow(context.Background(), account)
	require.NoError(t, err)
	assert.False(t, pool.HasWaiters(account.ID))

	got := make(chan struct{})
	go func() {
		_, rel, err := pool.Borrow(context.Background(), account)
		if err == nil {
			rel()
		}
		close(got)
	}()

	require.Eventually(t, func() bool { return pool.HasWaiters(account.ID) }, time.Second, 5*time.Millisecond)

	release()
	<-got
	assert.False(t, pool.HasWaiters(account.ID))
}
