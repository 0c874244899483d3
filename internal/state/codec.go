// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"encoding/hex"
	"encoding/json"
)

func encodePorts(ports []uint16) (string, error) {
	if ports == nil {
		ports = []uint16{}
	}
	b, err := json.Marshal(ports)
	return string(b), err
}

func decodePorts(raw string) ([]uint16, error) {
	var ports []uint16
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &ports); err != nil {
		return nil, err
	}
	return ports, nil
}

func encodeDetails(details map[string]any) (string, error) {
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	return string(b), err
}

func decodeDetails(raw string) (map[string]any, error) {
	details := map[string]any{}
	if raw == "" {
		return details, nil
	}
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil, err
	}
	return details, nil
}

func encodeScopeHash(h [32]byte) string { return hex.EncodeToString(h[:]) }

func decodeScopeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
