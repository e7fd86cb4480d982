package domain

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCategoryOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CategoryInternal, CategoryOf(pkgerrors.New("plain")))
}

func TestCategorySurvivesWrapping(t *testing.T) {
	base := Categorize(CategoryValidation, pkgerrors.New("bad input"))

	wrapped := pkgerrors.Wrap(base, "handling request")
	assert.Equal(t, CategoryValidation, CategoryOf(wrapped))

	rewrapped := fmt.Errorf("outer: %w", wrapped)
	assert.Equal(t, CategoryValidation, CategoryOf(rewrapped))
}

func TestCategorizeNil(t *testing.T) {
	assert.NoError(t, Categorize(CategoryTransient, nil))
}

func TestCategorizedErrorMessage(t *testing.T) {
	err := Categorize(CategoryPermission, pkgerrors.New("forbidden"))
	assert.Equal(t, "forbidden", err.Error())
}

func TestValidPresenceTransitionTable(t *testing.T) {
	cases := []struct {
		from, to PresenceStatus
		want     bool
	}{
		{PresenceOnline, PresenceWorking, true},
		{PresenceOnline, PresenceIdle, true},
		{PresenceOnline, PresenceAway, true},
		{PresenceWorking, PresenceIdle, true},
		{PresenceWorking, PresenceAway, true},
		{PresenceWorking, PresenceWorking, false},
		{PresenceIdle, PresenceWorking, true},
		{PresenceIdle, PresenceAway, true},
		{PresenceAway, PresenceWorking, true},
		{PresenceAway, PresenceIdle, true},
		{PresenceAway, PresenceOnline, false},
		{PresenceOffline, PresenceOnline, true},
		{PresenceOffline, PresenceWorking, false},
		// Offline is reachable from anywhere.
		{PresenceOnline, PresenceOffline, true},
		{PresenceWorking, PresenceOffline, true},
		{PresenceOffline, PresenceOffline, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ValidPresenceTransition(c.from, c.to),
			"%s -> %s", c.from, c.to)
	}
}
