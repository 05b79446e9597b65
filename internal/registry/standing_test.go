package registry

import (
	"testing"

	"github.com/sgerhart/aegisflux/backend/exposure/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inventory() []model.Container {
	return []model.Container{
		{IP: "172.20.0.5", Service: "web-1"},
		{IP: "172.20.0.6", Service: "db-1"},
	}
}

func withLevels(it model.Iteration, entries ...model.ExploitationEntry) model.Iteration {
	it.ContainersExploitation = entries
	return it
}

func level(ip string, prev, next int) model.ExploitationEntry {
	return model.ExploitationEntry{IP: ip, LevelPrev: prev, LevelNew: next, Changed: prev != next}
}

func TestAssess_ExhaustsAfterNoProgressStreak(t *testing.T) {
	history := []model.Iteration{
		withLevels(iteration(1, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 0)),
		withLevels(iteration(2, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 25)),
		withLevels(iteration(3, "172.20.0.5", "web-1"), level("172.20.0.5", 25, 25)),
		withLevels(iteration(4, "172.20.0.5", "web-1"), level("172.20.0.5", 25, 25)),
	}
	current := []model.ExploitationEntry{level("172.20.0.5", 25, 25)}

	standings := Assess(history, current, inventory(), 3)

	web, ok := Find(standings, "172.20.0.5")
	require.True(t, ok)
	assert.True(t, web.Exhausted)
	assert.True(t, web.EverExposed)
	assert.Equal(t, 25, web.Level)

	db, ok := Find(standings, "172.20.0.6")
	require.True(t, ok)
	assert.False(t, db.EverExposed)
	assert.False(t, db.Settled())
}

func TestAssess_RotationResetsStreak(t *testing.T) {
	history := []model.Iteration{
		withLevels(iteration(1, "172.20.0.5", "web-1")),
		withLevels(iteration(2, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 0)),
		withLevels(iteration(3, "172.20.0.6", "db-1"), level("172.20.0.5", 0, 0)),
		withLevels(iteration(4, "172.20.0.5", "web-1"), level("172.20.0.6", 0, 0)),
	}

	standings := Assess(history, []model.ExploitationEntry{level("172.20.0.5", 0, 0)}, inventory(), 3)

	web, _ := Find(standings, "172.20.0.5")
	assert.False(t, web.Exhausted)
	assert.Equal(t, 1, web.Streak)
}

func TestAssess_ExhaustionLatches(t *testing.T) {
	history := []model.Iteration{
		withLevels(iteration(1, "172.20.0.5", "web-1")),
		withLevels(iteration(2, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 0)),
		withLevels(iteration(3, "172.20.0.6", "db-1"), level("172.20.0.5", 0, 0)),
	}

	standings := Assess(history, nil, inventory(), 2)

	web, _ := Find(standings, "172.20.0.5")
	assert.True(t, web.Exhausted)
	assert.Equal(t, 0, web.Streak)
}

func TestAllSettled(t *testing.T) {
	assert.False(t, AllSettled(nil))
	assert.True(t, AllSettled([]Standing{{IP: "a", Level: 100}, {IP: "b", Exhausted: true}}))
	assert.False(t, AllSettled([]Standing{{IP: "a", Level: 100}, {IP: "b", Level: 75}}))
}

func TestAssess_DefaultThreshold(t *testing.T) {
	history := []model.Iteration{
		withLevels(iteration(1, "172.20.0.5", "web-1")),
		withLevels(iteration(2, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 0)),
		withLevels(iteration(3, "172.20.0.5", "web-1"), level("172.20.0.5", 0, 0)),
	}

	standings := Assess(history, nil, inventory(), 0)

	web, _ := Find(standings, "172.20.0.5")
	assert.False(t, web.Exhausted)
	assert.Equal(t, 2, web.Streak)
}
