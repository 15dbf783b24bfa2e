package settings

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	s := Default("g1")
	if s.GuildID != "g1" {
		t.Errorf("GuildID = %q", s.GuildID)
	}
	if !s.XPGainEnabled || s.XPDecayEnabled {
		t.Errorf("gain=%v decay=%v", s.XPGainEnabled, s.XPDecayEnabled)
	}
	if s.GainTimeframe() != time.Minute {
		t.Errorf("GainTimeframe = %v", s.GainTimeframe())
	}
	if s.GracePeriod() != 7*24*time.Hour {
		t.Errorf("GracePeriod = %v", s.GracePeriod())
	}
	if s.CountsPerTimeframe() {
		t.Error("default mode should count every message")
	}
}

func TestCountsPerTimeframe(t *testing.T) {
	s := Default("g1")
	s.MessageCountMode = "PER_TIMEFRAME"
	if !s.CountsPerTimeframe() {
		t.Error("mode comparison should ignore case")
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := Default("g1")
	s.LevelRoleIDs[5] = []string{"r5"}
	s.IgnoredChannelIDs = []string{"c1"}

	c := s.Clone()
	c.LevelRoleIDs[5][0] = "changed"
	c.LevelRoleIDs[10] = []string{"r10"}
	c.IgnoredChannelIDs[0] = "changed"

	if s.LevelRoleIDs[5][0] != "r5" || len(s.LevelRoleIDs) != 1 {
		t.Errorf("role map shared with clone: %v", s.LevelRoleIDs)
	}
	if s.IgnoredChannelIDs[0] != "c1" {
		t.Errorf("ignored channels shared with clone: %v", s.IgnoredChannelIDs)
	}

	f := s.ForGuild("g2")
	if f.GuildID != "g2" || s.GuildID != "g1" {
		t.Errorf("ForGuild: %q / %q", f.GuildID, s.GuildID)
	}
}

func TestIgnores(t *testing.T) {
	s := Default("g1")
	s.IgnoredChannelIDs = []string{"spam"}
	s.IgnoredRoleIDs = []string{"muted"}

	if !s.IgnoresChannel("spam") || s.IgnoresChannel("general") || s.IgnoresChannel("") {
		t.Error("IgnoresChannel mismatch")
	}
	if !s.IgnoresAnyRole([]string{"a", "muted"}) || s.IgnoresAnyRole([]string{"a"}) || s.IgnoresAnyRole(nil) {
		t.Error("IgnoresAnyRole mismatch")
	}
}

func TestRolesForLevel(t *testing.T) {
	s := Default("g1")
	s.LevelRoleIDs = map[int][]string{
		5:  {"bronze"},
		10: {"silver"},
		20: {"gold", "shiny"},
	}

	tests := []struct {
		level int
		stack bool
		want  []string
	}{
		{0, false, nil},
		{5, false, []string{"bronze"}},
		{15, false, []string{"silver"}},
		{25, false, []string{"gold", "shiny"}},
		{4, true, nil},
		{15, true, []string{"bronze", "silver"}},
		{20, true, []string{"bronze", "gold", "shiny", "silver"}},
	}
	for _, tt := range tests {
		s.StackLevelRoles = tt.stack
		got := s.RolesForLevel(tt.level)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("RolesForLevel(%d, stack=%v) = %v, want %v", tt.level, tt.stack, got, tt.want)
		}
	}

	all := s.AllLevelRoles()
	if !reflect.DeepEqual(all, []string{"bronze", "gold", "shiny", "silver"}) {
		t.Errorf("AllLevelRoles = %v", all)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	s := Default("g1")
	s.LevelRoleIDs[3] = []string{"r3"}
	s.MaxLevel = 50

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var got Guild
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, s)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Guild)
		wantErr bool
	}{
		{"defaults", func(*Guild) {}, false},
		{"mixed case mode", func(g *Guild) { g.MessageCountMode = "Per_Timeframe" }, false},
		{"min above max", func(g *Guild) { g.XPGainMinimum, g.XPGainMaximum = 30, 20 }, true},
		{"negative timeframe", func(g *Guild) { g.XPGainTimeframeSeconds = -1 }, true},
		{"decay over 100", func(g *Guild) { g.XPDecayPerDayPercentage = 101 }, true},
		{"negative grace", func(g *Guild) { g.XPDecayGracePeriodDays = -2 }, true},
		{"negative max level", func(g *Guild) { g.MaxLevel = -1 }, true},
		{"unknown mode", func(g *Guild) { g.MessageCountMode = "hourly" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Default("g1")
			tt.mutate(&g)
			err := g.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
