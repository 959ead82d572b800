// ABOUTME: Pure display-identity resolution for conversations
// ABOUTME: Decides name, subtitle and avatar initial for a given viewer

package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/campuslink/campus-chat/internal/model"
)

const (
	// GroupFallbackName is shown for group conversations with no name set.
	GroupFallbackName = "Event Discussion"
	// UnknownUserName is the defensive placeholder for a direct conversation
	// whose partner cannot be found.
	UnknownUserName = "Unknown User"

	groupGlyph     = "#"
	unknownInitial = "?"
)

// Identity is how a conversation presents itself to one viewer.
type Identity struct {
	DisplayName   string
	Subtitle      string
	AvatarInitial string
}

// Resolve computes the display identity of a conversation from the viewer's
// point of view. It is deterministic and side-effect free, and for a direct
// conversation always describes the other participant, never the viewer.
//
// Organizers with a managed club are presented as the club: the club name is
// the primary identity and the person appears as its representative.
func Resolve(conv *model.Conversation, viewer *model.User) Identity {
	if conv.IsGroup() {
		name := conv.GroupName
		if name == "" {
			name = GroupFallbackName
		}
		return Identity{
			DisplayName:   name,
			Subtitle:      "Group Chat",
			AvatarInitial: groupGlyph,
		}
	}

	partner, ok := conv.Partner(viewer.ID)
	if !ok {
		return Identity{
			DisplayName:   UnknownUserName,
			Subtitle:      "",
			AvatarInitial: unknownInitial,
		}
	}

	if partner.Role == model.RoleOrganizer && partner.ManagedClub != "" {
		return Identity{
			DisplayName:   partner.ManagedClub,
			Subtitle:      "Rep: " + partner.Name,
			AvatarInitial: initialOf(partner.ManagedClub),
		}
	}

	return Identity{
		DisplayName:   partner.Name,
		Subtitle:      "Student",
		AvatarInitial: initialOf(partner.Name),
	}
}

// initialOf returns the upper-cased first rune of s, or "?" when s is empty.
func initialOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknownInitial
	}
	r, _ := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r))
}
