package couch

import "regexp"

const defaultHost = "127.0.0.1"

var (
	bareNameRe  = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)
	portAndDBRe = regexp.MustCompile(`^:[0-9]+/[a-z][a-z0-9_-]+$`)
	hasSchemeRe = regexp.MustCompile(`^(https?|[:/])`)
)

// ExpandURL fills in the parts of a database URL a user may leave out:
//
//	mydb            -> http://127.0.0.1:5984/mydb
//	:5985/mydb      -> http://127.0.0.1:5985/mydb
//	couch.local/db  -> http://couch.local/db
//
// Anything else is returned unchanged.
func ExpandURL(raw string) string {
	switch {
	case bareNameRe.MatchString(raw):
		return "http://" + defaultHost + ":5984/" + raw
	case portAndDBRe.MatchString(raw):
		return "http://" + defaultHost + raw
	case raw != "" && !hasSchemeRe.MatchString(raw):
		return "http://" + raw
	}
	return raw
}
