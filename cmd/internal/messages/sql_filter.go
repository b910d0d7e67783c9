package messages

import (
	"strconv"
	"strings"
	"time"
)

const messageColumns = `message_id, from_msisdn, to_msisdn, ts, text, received_at`

// sqlDialect captures the few places Postgres and SQLite differ for the shared queries.
type sqlDialect struct {
	placeholder func(n int) string
	likeOp      string
	timeArg     func(time.Time) any
}

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	likeOp:      "ILIKE",
	timeArg:     func(t time.Time) any { return t },
}

var sqliteDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	likeOp:      "LIKE",
	timeArg:     func(t time.Time) any { return formatSQLiteTime(t) },
}

// buildWhere renders the AND-combined filter. Values are always bound, never inlined.
func buildWhere(f Filter, d sqlDialect) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.From != "" {
		args = append(args, f.From)
		clauses = append(clauses, "from_msisdn = "+d.placeholder(len(args)))
	}
	if f.Since != nil {
		args = append(args, d.timeArg(*f.Since))
		clauses = append(clauses, "ts >= "+d.placeholder(len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		clauses = append(clauses, "text "+d.likeOp+" "+d.placeholder(len(args))+` ESCAPE '\'`)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user search text match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
