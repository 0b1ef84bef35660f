package services

import (
	"testing"

	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestHandshake_Recovery(t *testing.T) {
	tcases := []struct {
		name   string
		hs     Handshake
		expect *Recovery
	}{
		{
			name:   "no offset",
			hs:     Handshake{DirectChatId: "dc1"},
			expect: nil,
		},
		{
			name:   "offset without chat",
			hs:     Handshake{Offset: 5, HasOffset: true},
			expect: nil,
		},
		{
			name:   "direct chat",
			hs:     Handshake{Offset: 5, HasOffset: true, DirectChatId: "dc1"},
			expect: &Recovery{Offset: 5, Chat: types.ChatRef{Type: types.ChatTypeDirect, Id: "dc1"}},
		},
		{
			name:   "group chat",
			hs:     Handshake{Offset: 0, HasOffset: true, GroupChatId: "g1"},
			expect: &Recovery{Offset: 0, Chat: types.ChatRef{Type: types.ChatTypeGroup, Id: "g1"}},
		},
		{
			name:   "direct wins over group",
			hs:     Handshake{Offset: 9, HasOffset: true, DirectChatId: "dc1", GroupChatId: "g1"},
			expect: &Recovery{Offset: 9, Chat: types.ChatRef{Type: types.ChatTypeDirect, Id: "dc1"}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.hs.Recovery())
		})
	}
}
