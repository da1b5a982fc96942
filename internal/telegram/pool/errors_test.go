package pool

import (
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		want     Kind
		wantWait time.Duration
	}{
		{name: "nil", err: nil, want: KindOther},
		{name: "plain", err: errors.New("boom"), want: KindOther},
		{
			name:     "floodWait",
			err:      tgerr.New(420, "FLOOD_WAIT_30"),
			want:     KindThrottled,
			wantWait: 30 * time.Second,
		},
		{name: "peerFlood", err: tgerr.New(400, "PEER_FLOOD"), want: KindPeerFlood},
		{name: "blockedByUser", err: tgerr.New(400, "USER_IS_BLOCKED"), want: KindBlocked},
		{name: "blockedUs", err: tgerr.New(400, "YOU_BLOCKED_USER"), want: KindBlocked},
		{name: "deactivatedPeer", err: tgerr.New(400, "INPUT_USER_DEACTIVATED"), want: KindBlocked},
		{name: "premiumOnly", err: tgerr.New(403, "PRIVACY_PREMIUM_REQUIRED"), want: KindPremiumRequired},
		{name: "authKeyDead", err: tgerr.New(401, "AUTH_KEY_UNREGISTERED"), want: KindAuth},
		{name: "sessionRevoked", err: tgerr.New(401, "SESSION_REVOKED"), want: KindAuth},
		{name: "accountDeleted", err: tgerr.New(401, "USER_DEACTIVATED_BAN"), want: KindAuth},
		{
			name: "wrapped",
			err:  errors.Wrap(tgerr.New(400, "PEER_FLOOD"), "send message"),
			want: KindPeerFlood,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			kind, wait := Classify(tc.err)
			if kind != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, kind, tc.want)
			}
			if wait != tc.wantWait {
				t.Fatalf("Classify(%v) wait = %v, want %v", tc.err, wait, tc.wantWait)
			}
		})
	}
}
