package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// printJSON writes doc to w, pretty-printed, or only the value at query
// when it is set.
func printJSON(w io.Writer, doc []byte, query string) error {
	if !gjson.ValidBytes(doc) {
		return fmt.Errorf("response is not valid JSON")
	}
	res := gjson.ParseBytes(doc)
	if query != "" {
		res = res.Get(query)
		if !res.Exists() {
			return withExitCode(fmt.Errorf("%q not found in result", query), exitInvalidArgs)
		}
	}
	if res.Type == gjson.String {
		_, err := fmt.Fprintln(w, res.String())
		return err
	}
	_, err := fmt.Fprintln(w, strings.TrimRight(gjson.Get(res.Raw, "@pretty").Raw, "\n"))
	return err
}
