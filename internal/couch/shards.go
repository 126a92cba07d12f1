package couch

import "strings"

// MatchesDatabase reports whether a database name taken from _active_tasks
// refers to db. Clustered CouchDB reports shard paths such as
// "shards/00000000-1fffffff/mydb.1512345678" instead of "mydb".
func MatchesDatabase(reported, db string) bool {
	if reported == db {
		return true
	}
	rest, ok := strings.CutPrefix(reported, "shards/")
	if !ok {
		return false
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return false
	}
	rest = rest[slash+1:]
	dot := strings.LastIndexByte(rest, '.')
	if dot < 0 {
		return false
	}
	for _, r := range rest[dot+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return rest[:dot] == db
}
