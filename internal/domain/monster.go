package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// summaryActionLimit caps how many actions are listed in a chat summary.
const summaryActionLimit = 3

// MonsterAction is a single attack or ability from a monster stat block.
type MonsterAction struct {
	Name string `json:"name"`
	Desc string `json:"desc,omitempty"`
}

// ArmorClass is a monster's AC. The 5e API has shipped it both as a bare
// integer and as a list of {type, value} entries; both decode to the first value.
type ArmorClass int

// UnmarshalJSON accepts either wire shape.
func (a *ArmorClass) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if data[0] == '[' {
		var entries []struct {
			Value int `json:"value"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode armor_class list: %w", err)
		}
		if len(entries) > 0 {
			*a = ArmorClass(entries[0].Value)
		} else {
			*a = 0
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode armor_class: %w", err)
	}
	*a = ArmorClass(n)
	return nil
}

// Monster is the auxiliary record fetched from the 5e SRD API.
type Monster struct {
	Index           string          `json:"index,omitempty"`
	Name            string          `json:"name"`
	Size            string          `json:"size,omitempty"`
	Type            string          `json:"type,omitempty"`
	Alignment       string          `json:"alignment,omitempty"`
	ArmorClass      ArmorClass      `json:"armor_class"`
	HitPoints       int             `json:"hit_points"`
	HitDice         string          `json:"hit_dice,omitempty"`
	ChallengeRating float64         `json:"challenge_rating,omitempty"`
	Actions         []MonsterAction `json:"actions,omitempty"`
}

// Summary renders the markdown chat line shown when a monster is rolled.
func (m *Monster) Summary() string {
	names := make([]string, 0, summaryActionLimit)
	for i, a := range m.Actions {
		if i == summaryActionLimit {
			break
		}
		names = append(names, a.Name)
	}
	return fmt.Sprintf("**%s**\nAC: %d\nHP: %d\nActions: %s",
		m.Name, m.ArmorClass, m.HitPoints, strings.Join(names, ", "))
}

// PromptText renders the monster as plain text for the system prompt.
func (m *Monster) PromptText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s\n", m.Name)
	if m.Size != "" || m.Type != "" {
		fmt.Fprintf(&sb, "Kind: %s\n", strings.TrimSpace(m.Size+" "+m.Type))
	}
	if m.Alignment != "" {
		fmt.Fprintf(&sb, "Alignment: %s\n", m.Alignment)
	}
	fmt.Fprintf(&sb, "Armor Class: %d\n", m.ArmorClass)
	fmt.Fprintf(&sb, "Hit Points: %d", m.HitPoints)
	if m.HitDice != "" {
		fmt.Fprintf(&sb, " (%s)", m.HitDice)
	}
	sb.WriteString("\n")
	if m.ChallengeRating > 0 {
		fmt.Fprintf(&sb, "Challenge Rating: %g\n", m.ChallengeRating)
	}
	for _, a := range m.Actions {
		if a.Desc != "" {
			fmt.Fprintf(&sb, "Action %s: %s\n", a.Name, a.Desc)
		} else {
			fmt.Fprintf(&sb, "Action %s\n", a.Name)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
