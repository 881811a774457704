package apiclient

import (
	"bytes"
	"encoding/json"
	"strings"
)

// accessTokenPaths はアクセストークンを探すフィールドパス。先頭から順に試す。
// バックエンドのバージョンによってキャメルケースとパスカルケースが混在するため。
var accessTokenPaths = [][]string{
	{"data", "accessToken"},
	{"Data", "AccessToken"},
	{"accessToken"},
	{"AccessToken"},
}

// organizationPaths は組織IDを探すフィールドパス。
var organizationPaths = [][]string{
	{"data", "organizationId"},
	{"Data", "OrganizationId"},
	{"organizationId"},
	{"OrganizationId"},
}

// envelope はバックエンドの共通レスポンス形式 { isSuccess, data, errors }。
type envelope struct {
	// Success はisSuccess/IsSuccessの値。フィールドが無い場合はnil。
	Success *bool
	// Errors はerrors/Errorsの文字列リスト。
	Errors []string
}

// parseEnvelope はレスポンスボディから共通フィールドを取り出す。
// JSONオブジェクトでない場合はゼロ値を返す。
func parseEnvelope(body []byte) envelope {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return envelope{}
	}

	var env envelope
	for _, key := range []string{"isSuccess", "IsSuccess"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			env.Success = &b
			break
		}
	}
	for _, key := range []string{"errors", "Errors"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var list []any
		if err := json.Unmarshal(raw, &list); err != nil {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				env.Errors = append(env.Errors, s)
			}
		}
		if len(env.Errors) > 0 {
			break
		}
	}
	return env
}

// lookupString はpathsを順に辿り、最初に見つかった空でない値を文字列で返す。
// 数値の値は10進表記の文字列にする。
func lookupString(body []byte, paths [][]string) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return "", false
	}

	for _, path := range paths {
		node := root
		found := true
		for _, key := range path {
			obj, ok := node.(map[string]any)
			if !ok {
				found = false
				break
			}
			if node, ok = obj[key]; !ok {
				found = false
				break
			}
		}
		if !found {
			continue
		}
		switch v := node.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, true
			}
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

// extractAccessToken はリフレッシュ/ログインのレスポンスから新しいアクセストークンを取り出す。
func extractAccessToken(body []byte) (string, bool) {
	return lookupString(body, accessTokenPaths)
}

// extractOrganization はログインのレスポンスから組織IDを取り出す。
func extractOrganization(body []byte) (string, bool) {
	return lookupString(body, organizationPaths)
}
