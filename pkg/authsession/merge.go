package authsession

import "github.com/stacklok/signond/pkg/wire"

// mergeParams implements spec §4.3 per-request processing step 1: start
// from the caller's session_data, inject the stored password if the
// caller didn't supply one, override username with the validated stored
// value, merge the per-method stored blob (caller's keys win), and set
// AccessControlTokens to the ACL subset that applies to the calling peer.
func mergeParams(callerParams map[string]any, info *wire.Identity, storedBlob map[string][]byte, applicableACL []string) map[string]any {
	merged := make(map[string]any, len(callerParams)+len(storedBlob)+2)

	for k, v := range storedBlob {
		merged[k] = string(v)
	}
	for k, v := range callerParams {
		merged[k] = v
	}

	if info != nil {
		if _, present := merged["password"]; !present && info.Password != "" {
			merged["password"] = info.Password
		}
		if info.Validated {
			merged["username"] = info.Username
		}
	}

	merged["AccessControlTokens"] = applicableACL
	return merged
}

// stripPasswordForPolicy implements spec §4.3 step 2: "request password
// only" UI policy strips any password before the plugin sees it.
func stripPasswordForPolicy(params map[string]any) map[string]any {
	policy, _ := params["UiPolicy"].(string)
	if policy != "request-password-only" {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}

// snapshotCredentials implements spec §4.3 step 4: snapshot username/
// password as tmp_username/tmp_password for later commit on success.
func snapshotCredentials(params map[string]any) (username, password string) {
	username, _ = params["username"].(string)
	password, _ = params["password"].(string)
	return username, password
}

// storableKeys implements spec §4.3 "store" handling: strip password,
// username, and AccessControlTokens before persisting a plugin-requested
// blob.
func storableKeys(data map[string]any) map[string][]byte {
	out := make(map[string][]byte, len(data))
	for k, v := range data {
		switch k {
		case "password", "username", "AccessControlTokens":
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = []byte(s)
		}
	}
	return out
}

// filterResult removes the password field from a plugin result unless
// method is "password" (spec §4.3 result handling).
func filterResult(result map[string]any, method string) map[string]any {
	if method == "password" {
		return result
	}
	out := make(map[string]any, len(result))
	for k, v := range result {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}
