package visibility

import (
	"context"
	"errors"
	"testing"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/stretchr/testify/assert"
)

func setting(enabled bool, mode core.VisibilityMode) *core.VisibilitySetting {
	return &core.VisibilitySetting{UserID: "subject", Enabled: enabled, Mode: mode}
}

func TestEvaluate(t *testing.T) {
	friends := core.NewFriendSet("subject")
	strangers := core.NewFriendSet("someone-else")

	tests := []struct {
		name    string
		setting *core.VisibilitySetting
		friends core.FriendSet
		want    bool
	}{
		{"no setting is visible", nil, nil, true},
		{"disabled hides", setting(false, core.VisibilityEveryone), friends, false},
		{"none hides friends", setting(true, core.VisibilityNone), friends, false},
		{"none hides strangers", setting(true, core.VisibilityNone), strangers, false},
		{"friends mode shows friend", setting(true, core.VisibilityFriends), friends, true},
		{"friends mode hides stranger", setting(true, core.VisibilityFriends), strangers, false},
		{"friends mode with unknown set", setting(true, core.VisibilityFriends), nil, true},
		{"friends mode with empty set", setting(true, core.VisibilityFriends), core.NewFriendSet(), false},
		{"everyone shows stranger", setting(true, core.VisibilityEveryone), strangers, true},
		{"everyone with nil set", setting(true, core.VisibilityEveryone), nil, true},
		{"unknown mode is visible", setting(true, core.VisibilityMode("PUBLIC_V2")), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate("viewer", "subject", tt.setting, tt.friends))
		})
	}
}

type stubSettings struct {
	settings map[string]*core.VisibilitySetting
	err      error
}

func (s stubSettings) Visibility(_ context.Context, userID string) (*core.VisibilitySetting, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.settings[userID], nil
}

func TestResolver_Visible(t *testing.T) {
	src := stubSettings{settings: map[string]*core.VisibilitySetting{
		"u1": {UserID: "u1", Enabled: true, Mode: core.VisibilityFriends},
		"u2": {UserID: "u2", Enabled: true, Mode: core.VisibilityEveryone},
		"u3": {UserID: "u3", Enabled: true, Mode: core.VisibilityNone},
	}}
	r := NewResolver(src, nil)
	friends := core.NewFriendSet("u2")

	assert.False(t, r.Visible(context.Background(), "viewer", "u1", friends))
	assert.True(t, r.Visible(context.Background(), "viewer", "u2", friends))
	assert.False(t, r.Visible(context.Background(), "viewer", "u3", friends))
	assert.True(t, r.Visible(context.Background(), "viewer", "unknown", friends))
}

func TestResolver_FailsOpen(t *testing.T) {
	r := NewResolver(stubSettings{err: errors.New("store unavailable")}, nil)

	assert.True(t, r.Visible(context.Background(), "viewer", "u3", nil))
}
