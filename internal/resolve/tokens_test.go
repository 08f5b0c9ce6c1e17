package resolve

import "testing"

func TestExpand(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		t    Tokens
		want string
	}{
		{
			name: "origin only",
			raw:  "$ORIGIN/../lib",
			t:    Tokens{Origin: "/opt/app/bin"},
			want: "/opt/app/bin/../lib",
		},
		{
			name: "braced forms",
			raw:  "${ORIGIN}/../${LIB}",
			t:    Tokens{Origin: "/opt/app/bin", Lib: "lib64"},
			want: "/opt/app/bin/../lib64",
		},
		{
			name: "platform token",
			raw:  "/opt/vendor/$PLATFORM/lib",
			t:    Tokens{Platform: "x86_64"},
			want: "/opt/vendor/x86_64/lib",
		},
		{
			name: "no tokens present",
			raw:  "/usr/lib",
			t:    Tokens{Origin: "/opt/app/bin"},
			want: "/usr/lib",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Expand(c.raw, c.t)
			if got != c.want {
				t.Errorf("Expand(%q, %+v) = %q, want %q", c.raw, c.t, got, c.want)
			}
		})
	}
}
