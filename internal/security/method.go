package security

import (
	"fmt"
	"strings"
)

// Method selects which hardware signals feed a fingerprint.
type Method int

const (
	// MethodSimple uses platform, hostname and MAC address.
	MethodSimple Method = iota
	// MethodBasic uses platform, hostname, processor count and OS version.
	MethodBasic
	// MethodComprehensive adds CPU model, board serial and system UUID to
	// the simple signals. It is the default.
	MethodComprehensive
	// MethodMACAddress uses the primary MAC address alone.
	MethodMACAddress
	// MethodSystemUUID uses the firmware system UUID alone.
	MethodSystemUUID
	// MethodCustom hashes a caller supplied identifier.
	MethodCustom
)

var methodNames = map[Method]string{
	MethodSimple:        "simple",
	MethodBasic:         "basic",
	MethodComprehensive: "comprehensive",
	MethodMACAddress:    "mac_address",
	MethodSystemUUID:    "system_uuid",
	MethodCustom:        "custom",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod accepts a method name case-insensitively. Both snake_case and
// run-together spellings are recognised ("mac_address", "MacAddress").
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return MethodSimple, nil
	case "basic":
		return MethodBasic, nil
	case "comprehensive":
		return MethodComprehensive, nil
	case "mac_address", "macaddress", "mac":
		return MethodMACAddress, nil
	case "system_uuid", "systemuuid", "uuid":
		return MethodSystemUUID, nil
	case "custom":
		return MethodCustom, nil
	}
	return MethodComprehensive, fmt.Errorf("unknown hardware id method %q", s)
}
