package db

import "testing"

func TestCheckColumn(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		columns  map[string]bool
		column   string
		forWrite bool
		wantErr  bool
	}{
		{name: "userReadKnown", columns: userColumns, column: "access_hash"},
		{name: "userWriteWritable", columns: userColumns, column: "banned", forWrite: true},
		{name: "userWritePrimaryKey", columns: userColumns, column: "user_id", forWrite: true, wantErr: true},
		{name: "userReadPrimaryKey", columns: userColumns, column: "user_id"},
		{name: "userUnknown", columns: userColumns, column: "secret; DROP TABLE users", wantErr: true},
		{name: "executorWriteStatus", columns: executorColumns, column: "status", forWrite: true},
		{name: "executorWriteAPIID", columns: executorColumns, column: "api_id", forWrite: true, wantErr: true},
		{name: "executorUnknown", columns: executorColumns, column: "password", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := checkColumn(tc.columns, tc.column, tc.forWrite)
			if tc.wantErr && err == nil {
				t.Fatalf("checkColumn(%q, forWrite=%v) expected error", tc.column, tc.forWrite)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("checkColumn(%q, forWrite=%v) error: %v", tc.column, tc.forWrite, err)
			}
		})
	}
}
