// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"

	"github.com/absmach/flowbus/channel"
)

// Key layout. Channel and group names cannot contain '/', so the
// separator keeps prefixes unambiguous.
//
//	ch/<channel>/<seq be64>  -> message envelope
//	gr/<group>/<channel>     -> membership expiry millis (be64)
const (
	chanKeyPrefix  = "ch/"
	groupKeyPrefix = "gr/"
)

func chanPrefix(ch channel.Name) []byte {
	return []byte(chanKeyPrefix + ch.String() + "/")
}

func chanKey(ch channel.Name, seq uint64) []byte {
	prefix := chanPrefix(ch)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func chanKeySeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func groupPrefix(group channel.Name) []byte {
	return []byte(groupKeyPrefix + group.String() + "/")
}

func groupKey(group, ch channel.Name) []byte {
	return append(groupPrefix(group), ch.String()...)
}

func groupKeyMember(group channel.Name, key []byte) channel.Name {
	return channel.Name(key[len(groupPrefix(group)):])
}
