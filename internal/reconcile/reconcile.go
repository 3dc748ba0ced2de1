// Package reconcile edits parsed note sections and merges them into the content a
// note already holds. Every function here is pure: inputs are never modified and a
// new slice is always returned.
package reconcile

import (
	"fmt"
	"strings"
)

// MergeMode selects how new content is combined with existing content
type MergeMode string

const (
	MergeReplace MergeMode = "replace"
	MergeAppend  MergeMode = "append"
	MergePrepend MergeMode = "prepend"
)

// separator placed between existing and new content for append/prepend
const separator = "\n\n"

// ParseMergeMode converts a wire value into a MergeMode
func ParseMergeMode(s string) (MergeMode, error) {
	switch MergeMode(strings.ToLower(strings.TrimSpace(s))) {
	case MergeReplace:
		return MergeReplace, nil
	case MergeAppend:
		return MergeAppend, nil
	case MergePrepend:
		return MergePrepend, nil
	}
	return "", fmt.Errorf("unknown merge mode %q", s)
}

// Section is one parsed note field awaiting review
type Section struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Selected bool   `json:"selected"`
}

// Existing is the current content of a note field
type Existing struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Update is the content to write into a note field
type Update struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func clone(sections []Section) []Section {
	out := make([]Section, len(sections))
	copy(out, sections)
	return out
}

// UpdateContent replaces the content of the section with the given id.
// Unknown ids leave the sections unchanged.
func UpdateContent(sections []Section, id, content string) []Section {
	out := clone(sections)
	for i := range out {
		if out[i].ID == id {
			out[i].Content = content
			break
		}
	}
	return out
}

// Toggle flips the Selected flag of exactly one section
func Toggle(sections []Section, id string) []Section {
	out := clone(sections)
	for i := range out {
		if out[i].ID == id {
			out[i].Selected = !out[i].Selected
			break
		}
	}
	return out
}

// SelectAll marks every section selected
func SelectAll(sections []Section) []Section {
	return setSelected(sections, true)
}

// DeselectAll clears every section's Selected flag
func DeselectAll(sections []Section) []Section {
	return setSelected(sections, false)
}

func setSelected(sections []Section, selected bool) []Section {
	out := clone(sections)
	for i := range out {
		out[i].Selected = selected
	}
	return out
}

// Merge combines existing note content with newly dictated content.
// Blank existing content always yields the new content, whatever the mode.
func Merge(existing, incoming string, mode MergeMode) string {
	if strings.TrimSpace(existing) == "" {
		return incoming
	}
	switch mode {
	case MergeAppend:
		return existing + separator + incoming
	case MergePrepend:
		return incoming + separator + existing
	default:
		return incoming
	}
}

// Apply merges every selected, non-blank section into the existing note content.
// Sections that are deselected or blank produce no update.
func Apply(sections []Section, existing []Existing, mode MergeMode) []Update {
	current := make(map[string]string, len(existing))
	for _, e := range existing {
		if _, dup := current[e.ID]; dup {
			continue
		}
		current[e.ID] = e.Content
	}

	updates := make([]Update, 0, len(sections))
	for _, s := range sections {
		if !s.Selected || strings.TrimSpace(s.Content) == "" {
			continue
		}
		updates = append(updates, Update{
			ID:      s.ID,
			Content: Merge(current[s.ID], s.Content, mode),
		})
	}
	return updates
}

// SelectedCount returns how many sections are selected
func SelectedCount(sections []Section) int {
	n := 0
	for _, s := range sections {
		if s.Selected {
			n++
		}
	}
	return n
}
