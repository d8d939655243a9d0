// Copyright 2024 Sashimono Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"net"
	"strings"

	"github.com/juju/errors"
)

// Lease URI layout, hex encoded on the token:
//
//	byte  0     magic 0xEC
//	byte  1     version
//	bytes 2-5   lease index, big endian
//	bytes 6-13  lease amount, IEEE-754 bits, big endian
//	bytes 14-29 outbound IPv6 address (optional)
const (
	leaseURIMagic   = 0xEC
	leaseURIVersion = 1

	leaseURIBaseLen = 14
	leaseURIIPLen   = leaseURIBaseLen + net.IPv6len
)

// EncodeLeaseURI renders the lease parameters into the token URI form.
func EncodeLeaseURI(index uint32, amount float64, outboundIP string) (string, error) {
	size := leaseURIBaseLen
	var ip net.IP
	if outboundIP != "" {
		ip = net.ParseIP(outboundIP)
		if ip == nil || ip.To16() == nil {
			return "", errors.NotValidf("outbound ip %q", outboundIP)
		}
		size = leaseURIIPLen
	}
	buf := make([]byte, size)
	buf[0] = leaseURIMagic
	buf[1] = leaseURIVersion
	binary.BigEndian.PutUint32(buf[2:6], index)
	binary.BigEndian.PutUint64(buf[6:14], math.Float64bits(amount))
	if ip != nil {
		copy(buf[14:], ip.To16())
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}

// DecodeLeaseURI parses a lease token URI back into its parameters.
// The outbound IP is empty when the URI carries none.
func DecodeLeaseURI(uri string) (index uint32, amount float64, outboundIP string, err error) {
	buf, err := hex.DecodeString(uri)
	if err != nil {
		return 0, 0, "", errors.NotValidf("lease uri %q", uri)
	}
	if len(buf) != leaseURIBaseLen && len(buf) != leaseURIIPLen {
		return 0, 0, "", errors.NotValidf("lease uri length %d", len(buf))
	}
	if buf[0] != leaseURIMagic || buf[1] != leaseURIVersion {
		return 0, 0, "", errors.NotValidf("lease uri header %x", buf[:2])
	}
	index = binary.BigEndian.Uint32(buf[2:6])
	amount = math.Float64frombits(binary.BigEndian.Uint64(buf[6:14]))
	if len(buf) == leaseURIIPLen {
		outboundIP = net.IP(buf[14:]).String()
	}
	return index, amount, outboundIP, nil
}
