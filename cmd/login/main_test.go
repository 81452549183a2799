package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enlightenev/enlightenev/pkg/enlighten"
	"github.com/enlightenev/enlightenev/pkg/types"
)

func TestPickSite(t *testing.T) {
	sites := []types.Site{{ID: "1", Name: "Home"}, {ID: "2", Name: "Cabin"}}

	t.Run("explicit", func(t *testing.T) {
		s, err := pickSite(sites, "2")
		require.NoError(t, err)
		assert.Equal(t, "Cabin", s.Name)
	})

	t.Run("explicit but undiscovered", func(t *testing.T) {
		s, err := pickSite(nil, "9")
		require.NoError(t, err)
		assert.Equal(t, types.Site{ID: "9"}, s)
	})

	t.Run("sole site", func(t *testing.T) {
		s, err := pickSite(sites[:1], "")
		require.NoError(t, err)
		assert.Equal(t, "1", s.ID)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := pickSite(sites, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 Cabin")
	})

	t.Run("none", func(t *testing.T) {
		_, err := pickSite(nil, "")
		assert.Error(t, err)
	})
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"EV1", "EV2"}, splitList(" EV1, ,EV2 "))
}

func TestDescribe(t *testing.T) {
	wrapped := fmt.Errorf("failed to authenticate: %w", enlighten.ErrMFARequired)
	assert.Contains(t, describe(wrapped), "multi-factor")
	assert.Contains(t, describe(enlighten.ErrInvalidCredentials), "rejected")
	assert.Equal(t, "boom", describe(errors.New("boom")))
}
