package ads

import "testing"

func TestReadSize(t *testing.T) {
	tests := []struct {
		typeName string
		count    int
		want     uint32
		wantErr  bool
	}{
		{"BOOL", 1, 1, false},
		{"usint", 1, 1, false},
		{"INT", 1, 2, false},
		{" dint ", 1, 4, false},
		{"UDINT", 1, 4, false},
		{"REAL", 10, 40, false},
		{"LREAL", 0, 8, false},
		{"TOD", 1, 4, false},
		{"DT", 1, 8, false},
		{"LTIME", 3, 24, false},
		{"STRING", 1, 81, false},
		{"STRING(20)", 1, 21, false},
		{"WSTRING", 1, 162, false},
		{"WSTRING(10)", 2, 44, false},
		{"STRING(x)", 1, 0, true},
		{"STRING(0)", 1, 0, true},
		{"STRINGS", 1, 0, true},
		{"FB_Motor", 1, 0, true},
		{"VOID", 1, 0, true},
		{"", 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			got, err := ReadSize(tt.typeName, tt.count)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReadSize(%q, %d) error = %v, wantErr %v", tt.typeName, tt.count, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ReadSize(%q, %d) = %d, want %d", tt.typeName, tt.count, got, tt.want)
			}
		})
	}
}
