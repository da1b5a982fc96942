package pool

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestParseMessageLink(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		link          string
		wantUser      string
		wantMsgID     int
		wantCommentID int
		wantErr       bool
	}{
		{
			name:      "channelPost",
			link:      "https://t.me/some_channel/123",
			wantUser:  "some_channel",
			wantMsgID: 123,
		},
		{
			name:          "discussionComment",
			link:          "https://t.me/some_channel/123?comment=456",
			wantUser:      "some_channel",
			wantMsgID:     123,
			wantCommentID: 456,
		},
		{
			name:      "trailingSlashAndSpaces",
			link:      "  https://t.me/chan/77/  ",
			wantUser:  "chan",
			wantMsgID: 77,
		},
		{name: "noMessageID", link: "https://t.me/some_channel", wantErr: true},
		{name: "badMessageID", link: "https://t.me/chan/abc", wantErr: true},
		{name: "badCommentID", link: "https://t.me/chan/1?comment=x", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			user, msgID, commentID, err := parseMessageLink(tc.link)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseMessageLink(%q) expected error", tc.link)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseMessageLink(%q) error: %v", tc.link, err)
			}
			if user != tc.wantUser || msgID != tc.wantMsgID || commentID != tc.wantCommentID {
				t.Fatalf("parseMessageLink(%q) = (%q, %d, %d)", tc.link, user, msgID, commentID)
			}
		})
	}
}

func TestDisplayUsername(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		user tg.User
		want string
	}{
		{name: "username", user: tg.User{ID: 1, Username: "ivan", Phone: "79990001122"}, want: "ivan"},
		{name: "phoneFallback", user: tg.User{ID: 1, Phone: "79990001122"}, want: "+79990001122"},
		{name: "idFallback", user: tg.User{ID: 42}, want: "User_id_42"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := displayUsername(&tc.user); got != tc.want {
				t.Fatalf("displayUsername() = %q, want %q", got, tc.want)
			}
		})
	}
}
