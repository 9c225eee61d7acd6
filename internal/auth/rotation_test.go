package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/real-rm/supportdesk/internal/errors"
	"github.com/real-rm/supportdesk/internal/testutil"
)

func TestRotation_PriorTokenValidUntilCommit(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	rot, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)
	assert.NotEqual(t, cred.Token, rot.Token)

	_, err = a.Validate(cred.Token)
	assert.NoError(t, err, "prior token stays valid while rotation is pending")
	_, err = a.Validate(rot.Token)
	assert.Error(t, err, "pending token is not valid before commit")

	require.NoError(t, a.CommitRotation(rot))

	_, err = a.Validate(cred.Token)
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryAuth), "prior token is invalid after commit")
	info, err := a.Validate(rot.Token)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Generation)
}

func TestRotation_CommitResetsExpiry(t *testing.T) {
	a, clock := newTestAuthority(t)
	cred := login(t, a)

	clock.Advance(20 * time.Hour)
	rot, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)
	require.NoError(t, a.CommitRotation(rot))

	clock.Advance(20 * time.Hour)
	info, err := a.Validate(rot.Token)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(44*time.Hour), info.ExpiresAt)
}

func TestRotation_Abort(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	rot, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)
	a.AbortRotation(rot)

	_, err = a.Validate(cred.Token)
	assert.NoError(t, err)
	assert.ErrorIs(t, a.CommitRotation(rot), ErrStaleRotation)

	// a new rotation can start right away
	_, err = a.BeginRotation(cred.SessionID, cred.Token)
	assert.NoError(t, err)
}

func TestRotation_OnePerGeneration(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	first, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)

	_, err = a.BeginRotation(cred.SessionID, cred.Token)
	assert.ErrorIs(t, err, ErrRotationPending)

	require.NoError(t, a.CommitRotation(first))
	assert.ErrorIs(t, a.CommitRotation(first), ErrStaleRotation, "double commit is refused")
}

func TestRotation_AbandonedPendingExpires(t *testing.T) {
	a, clock := newTestAuthority(t)
	cred := login(t, a)

	stale, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)

	clock.Advance(rotationAbandonAfter + time.Second)
	fresh, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)

	assert.ErrorIs(t, a.CommitRotation(stale), ErrStaleRotation)
	assert.NoError(t, a.CommitRotation(fresh))
}

func TestRotation_RequiresCurrentToken(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	_, err := a.BeginRotation(cred.SessionID, "forged")
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryAuth))

	_, err = a.BeginRotation("missing-session", cred.Token)
	assert.True(t, chaterrors.Is(err, chaterrors.CategoryAuth))
}

func TestRotation_CommitAfterRevokeIsStale(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	rot, err := a.BeginRotation(cred.SessionID, cred.Token)
	require.NoError(t, err)
	require.NoError(t, a.Revoke(cred.Token))

	assert.Error(t, a.CommitRotation(rot))
	_, err = a.Validate(rot.Token)
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	info, rot, err := a.Authenticate(cred.Token)
	require.NoError(t, err)
	require.NotNil(t, rot)
	assert.Equal(t, cred.SessionID, info.ID)

	// concurrent request on the same generation proceeds without rotating
	info2, rot2, err := a.Authenticate(cred.Token)
	require.NoError(t, err)
	assert.Nil(t, rot2)
	assert.Equal(t, info.ID, info2.ID)

	require.NoError(t, a.CommitRotation(rot))
	_, _, err = a.Authenticate(cred.Token)
	assert.Error(t, err)
}

func TestAuthenticate_RotationDisabled(t *testing.T) {
	clock := testutil.NewFakeClock(epoch)
	opts := DefaultOptions()
	opts.Salt = testSalt
	opts.Clock = clock
	opts.RotateOnUse = false
	a, err := NewAuthority(opts, testutil.CreateTestLogger(t))
	require.NoError(t, err)

	cred := login(t, a)
	_, rot, err := a.Authenticate(cred.Token)
	require.NoError(t, err)
	assert.Nil(t, rot)
}

func TestRotation_ConcurrentBeginExactlyOneWins(t *testing.T) {
	a, _ := newTestAuthority(t)
	cred := login(t, a)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []*Rotation
	pending := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rot, err := a.BeginRotation(cred.SessionID, cred.Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, rot)
			case errors.Is(err, ErrRotationPending):
				pending++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, 31, pending)
	assert.NoError(t, a.CommitRotation(winners[0]))
}

// Property: across any sequence of commit/abort decisions the generation only
// grows, and exactly one token validates at any time.
func TestProperty_RotationGenerationMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("generation grows by one per commit", prop.ForAll(
		func(decisions []bool) bool {
			a, _ := newTestAuthority(t)
			cred := login(t, a)

			current := cred.Token
			var lastGen uint64
			for _, commit := range decisions {
				rot, err := a.BeginRotation(cred.SessionID, current)
				if err != nil {
					return false
				}
				if commit {
					if a.CommitRotation(rot) != nil {
						return false
					}
					if _, err := a.Validate(current); err == nil {
						return false
					}
					current = rot.Token
				} else {
					a.AbortRotation(rot)
				}

				info, err := a.Validate(current)
				if err != nil || info.Generation < lastGen {
					return false
				}
				if commit && info.Generation != lastGen+1 {
					return false
				}
				lastGen = info.Generation
			}
			return true
		},
		gen.SliceOfN(12, gen.Bool()),
	))

	properties.TestingRun(t)
}
