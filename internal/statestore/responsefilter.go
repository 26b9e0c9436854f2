package statestore

import (
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// pruneResponse strips the bulky per-item metadata Bitbucket attaches to
// list responses (links, permittedOperations, author internals, content
// markup variants) that this package never reads. Real PRs can carry
// hundreds of comments and changed files; trimming the noise here keeps
// the JSON this package holds in memory, and any of it that ends up in an
// LLM prompt, proportional to what's actually used.
func pruneResponse(toolName, js string) string {
	switch toolName {
	case toolGetComments:
		return pruneValues(js, commentPruneFields)
	case toolGetPullRequest:
		return prunePaths(js, pullRequestPruneFields)
	case toolGetChanges:
		return pruneValues(js, changePruneFields)
	default:
		return js
	}
}

var pullRequestPruneFields = []string{
	"links",
	"participants",
	"version",
	"closed",
	"locked",
	"author.user.id",
	"author.user.emailAddress",
	"author.user.slug",
	"author.user.type",
	"author.user.active",
	"author.user.links",
	"author.role",
	"author.approved",
	"author.status",
}

var commentPruneFields = []string{
	"author.id",
	"author.emailAddress",
	"author.slug",
	"author.type",
	"author.active",
	"author.links",
	"links",
	"permittedOperations",
	"version",
	"content.markup",
	"content.html",
}

var changePruneFields = []string{
	"links",
	"contentId",
	"fromContentId",
	"path.components",
	"path.parent",
	"executable",
	"percentUnchanged",
}

func prunePaths(js string, fields []string) string {
	result := js
	for _, f := range fields {
		if pruned, err := sjson.Delete(result, f); err == nil {
			result = pruned
		}
	}
	return result
}

// pruneValues applies prunePaths to every element of the top-level
// "values" array, the shape every Bitbucket list endpoint returns.
func pruneValues(js string, fields []string) string {
	if !gjson.Valid(js) {
		return js
	}
	result := js
	n := len(gjson.Get(result, "values").Array())
	for i := 0; i < n; i++ {
		for _, f := range fields {
			path := "values." + strconv.Itoa(i) + "." + f
			if pruned, err := sjson.Delete(result, path); err == nil {
				result = pruned
			}
		}
	}
	return result
}
