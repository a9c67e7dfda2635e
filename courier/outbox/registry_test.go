//go:build unit

package outbox

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MemoryDriver(t *testing.T) {
	t.Parallel()

	store, err := Open("memory", nil)
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, store)
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open("no-such-driver", nil)
	require.ErrorIs(t, err, ErrUnknownDriver)
	assert.ErrorContains(t, err, "no-such-driver")
}

func TestDrivers_Sorted(t *testing.T) {
	t.Parallel()

	names := Drivers()
	assert.Contains(t, names, "memory")
	assert.True(t, sort.StringsAreSorted(names))
}

func TestRegister_NilFactoryPanics(t *testing.T) {
	t.Parallel()

	require.PanicsWithValue(t, "outbox: Register factory is nil", func() {
		Register("broken-driver", nil)
	})
}

func TestRegister_DuplicatePanics(t *testing.T) {
	t.Parallel()

	factory := func(any) (Store, error) {
		return NewInMemoryStore(), nil
	}

	Register("duplicated-driver", factory)

	require.PanicsWithValue(t, "outbox: Register called twice for driver duplicated-driver", func() {
		Register("duplicated-driver", factory)
	})
}
