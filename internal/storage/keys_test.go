package storage

import (
	"testing"
	"time"
)

func TestDeadLetterKey(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, time.March, 7, 23, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		id   string
		at   time.Time
		want string
	}{
		{
			name: "uuid",
			id:   "7d444840-9dc0-11d1-b245-5ffdce74fad2",
			at:   day,
			want: "2024/03/07/7d444840-9dc0-11d1-b245-5ffdce74fad2.json",
		},
		{
			name: "converted to UTC",
			id:   "abc",
			at:   day.In(time.FixedZone("UTC+2", 2*60*60)),
			want: "2024/03/07/abc.json",
		},
		{
			name: "separators replaced",
			id:   "a/b:c",
			at:   day,
			want: "2024/03/07/a_b_c.json",
		},
		{
			name: "empty id",
			id:   "",
			at:   day,
			want: "2024/03/07/unknown.json",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := DeadLetterKey(tt.id, tt.at)
			if got != tt.want {
				t.Errorf("DeadLetterKey(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
