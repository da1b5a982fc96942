package assistant_test

import (
	"testing"

	"github.com/Erykalkin/Seller-bot/internal/assistant"
)

func TestParseReply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    assistant.Reply
		wantErr bool
	}{
		{
			name: "plainJSON",
			raw:  `{"answer":"Добрый день!","send":true,"file":false,"wait":true,"reply":0}`,
			want: assistant.Reply{Answer: "Добрый день!", Send: true, Wait: true},
		},
		{
			name: "fencedJSON",
			raw:  "```json\n{\"answer\":\"ок\",\"send\":true,\"file\":true,\"wait\":false,\"reply\":42}\n```",
			want: assistant.Reply{Answer: "ок", Send: true, File: true, Reply: 42},
		},
		{
			name: "fencedWithoutLanguage",
			raw:  "```\n{\"answer\":\"\",\"send\":false,\"file\":false,\"wait\":false,\"reply\":0}\n```",
			want: assistant.Reply{},
		},
		{
			name: "surroundingWhitespace",
			raw:  "  \n{\"answer\":\"привет\",\"send\":true,\"file\":false,\"wait\":false,\"reply\":0}\n ",
			want: assistant.Reply{Answer: "привет", Send: true},
		},
		{
			name:    "notJSON",
			raw:     "Добрый день!",
			wantErr: true,
		},
		{
			name:    "empty",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := assistant.ParseReply(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseReply(%q) expected error, got %#v", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReply(%q) unexpected error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseReply(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "elevenDigitsLeading8", raw: "8 (912) 345-67-89", want: "+79123456789"},
		{name: "elevenDigitsLeading7", raw: "79123456789", want: "+79123456789"},
		{name: "plusSeven", raw: "+7 912 345-67-89", want: "+79123456789"},
		{name: "tenDigits", raw: "9123456789", want: "+79123456789"},
		{name: "tooShort", raw: "12345", wantErr: true},
		{name: "elevenDigitsWrongLead", raw: "19123456789", wantErr: true},
		{name: "lettersOnly", raw: "не скажу", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := assistant.NormalizePhone(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NormalizePhone(%q) expected error, got %q", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizePhone(%q) unexpected error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}
