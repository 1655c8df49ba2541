package convergence

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"
)

// macPrefix is a locally administered unicast OUI.
const macPrefix = "d2ab"

// GenerateMAC derives a stable MAC address for an adapter from the VM id and
// the adapter name: the prefix followed by the IEEE CRC-32 of
// "<vm id>_<adapter name>", most significant byte first. The VM id is
// rendered in its lowercase canonical form. Adapter names are ASCII;
// config.Validate rejects anything else.
func GenerateMAC(vmID uuid.UUID, adapterName string) string {
	sum := crc32.ChecksumIEEE([]byte(vmID.String() + "_" + adapterName))
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return macPrefix + hex.EncodeToString(b[:])
}

// normalizeMAC returns mac as 12 lowercase hex digits without separators.
func normalizeMAC(mac string) (string, error) {
	cleaned := strings.ToLower(strings.NewReplacer("-", "", ":", "", ".", "").Replace(strings.TrimSpace(mac)))
	if len(cleaned) != 12 {
		return "", fmt.Errorf("invalid mac address %q", mac)
	}
	if _, err := hex.DecodeString(cleaned); err != nil {
		return "", fmt.Errorf("invalid mac address %q", mac)
	}
	return cleaned, nil
}
