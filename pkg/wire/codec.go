package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// knownIdentityKeys are the map keys this version of signond interprets.
// Everything else round-trips through Extensions untouched.
var knownIdentityKeys = map[string]struct{}{
	"id": {}, "caption": {}, "username": {}, "usernameIsSecret": {},
	"password": {}, "storePassword": {}, "validated": {}, "type": {},
	"refCount": {}, "methods": {}, "realms": {}, "accessControlList": {},
	"owner": {},
}

// ToMap encodes id into the wire map shape used on the IPC bus and in the
// UI/plugin protocols (spec §6.2, §6.4, §6.5).
func (id *Identity) ToMap() map[string]any {
	m := map[string]any{
		"id":                id.ID,
		"caption":           id.Caption,
		"username":          id.Username,
		"usernameIsSecret":  id.UsernameIsSecret,
		"storePassword":     id.StorePassword,
		"validated":         id.Validated,
		"type":              int(id.Type),
		"refCount":          id.RefCount,
		"methods":           id.Methods,
		"realms":            id.Realms,
		"accessControlList": id.ACL,
		"owner":             id.Owner,
	}
	if id.Password != "" {
		m["password"] = id.Password
	}
	for k, v := range id.Extensions {
		m[k] = v
	}
	return m
}

// IdentityFromJSON decodes raw (a JSON object) into an Identity, preserving
// any keys it does not recognize in Extensions. Using gjson to walk the
// object lets the decoder capture arbitrary unknown keys without a second,
// strict unmarshal pass that would reject them.
func IdentityFromJSON(raw []byte) (*Identity, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid identity info json")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("identity info must be a json object")
	}

	id := &Identity{Extensions: map[string]any{}}

	id.ID = uint32(root.Get("id").Uint())
	id.Caption = root.Get("caption").String()
	id.Username = root.Get("username").String()
	id.UsernameIsSecret = root.Get("usernameIsSecret").Bool()
	id.Password = root.Get("password").String()
	id.StorePassword = root.Get("storePassword").Bool()
	id.Validated = root.Get("validated").Bool()
	id.Type = CredentialsType(root.Get("type").Int())
	id.RefCount = int32(root.Get("refCount").Int())
	id.Realms = stringSlice(root.Get("realms"))
	id.ACL = stringSlice(root.Get("accessControlList"))
	id.Owner = stringSlice(root.Get("owner"))

	if methods := root.Get("methods"); methods.IsObject() {
		id.Methods = map[string][]string{}
		methods.ForEach(func(key, value gjson.Result) bool {
			id.Methods[key.String()] = stringSlice(value)
			return true
		})
	}

	root.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if _, known := knownIdentityKeys[k]; known {
			return true
		}
		var decoded any
		if err := json.Unmarshal([]byte(value.Raw), &decoded); err == nil {
			id.Extensions[k] = decoded
		}
		return true
	})
	if len(id.Extensions) == 0 {
		id.Extensions = nil
	}

	return id, nil
}

func stringSlice(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	values := r.Array()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, v.String())
	}
	return out
}
