package rbac

type Access string
type Action string

const (
	AccessNone   Access = "none"
	AccessViewer Access = "viewer"
	AccessEditor Access = "editor"
)

const (
	ActionView Action = "view"
	ActionEdit Action = "edit"
)

// Permissions are the per-document grant lists. They are independent of any
// generic document ACL the host keeps.
type Permissions struct {
	ViewerIDs []string `json:"viewerIds"`
	EditorIDs []string `json:"editorIds"`
}

// Subject is the requesting user plus the sites the host says they can see.
type Subject struct {
	UserID         string
	VisibleSiteIDs []string
}

// Resolve evaluates access for one request. Editors win over viewers, and
// site visibility only ever grants view.
func Resolve(perms Permissions, siteID string, subject Subject) Access {
	if subject.UserID == "" {
		return AccessNone
	}
	switch {
	case contains(perms.EditorIDs, subject.UserID):
		return AccessEditor
	case contains(perms.ViewerIDs, subject.UserID):
		return AccessViewer
	case siteID != "" && contains(subject.VisibleSiteIDs, siteID):
		return AccessViewer
	default:
		return AccessNone
	}
}

func Can(access Access, action Action) bool {
	switch access {
	case AccessEditor:
		return action == ActionView || action == ActionEdit
	case AccessViewer:
		return action == ActionView
	default:
		return false
	}
}

// Grant adds userID to the list for the given access, removing it from the
// other list so a user is never both.
func (p Permissions) Grant(userID string, access Access) Permissions {
	out := Permissions{
		ViewerIDs: without(p.ViewerIDs, userID),
		EditorIDs: without(p.EditorIDs, userID),
	}
	switch access {
	case AccessEditor:
		out.EditorIDs = append(out.EditorIDs, userID)
	case AccessViewer:
		out.ViewerIDs = append(out.ViewerIDs, userID)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
