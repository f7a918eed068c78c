package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1048576", want: 1048576},
		{in: "1Mi", want: MiB},
		{in: "1MiB", want: MiB},
		{in: "1MB", want: MiB},
		{in: "64 KiB", want: 64 * KiB},
		{in: "1.5GiB", want: GiB + GiB/2},
		{in: "2t", want: 2 * TiB},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "10XB", wantErr: true},
		{in: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 MiB", Format(MiB))
	assert.Equal(t, "1.50 KiB", Format(1536))
}

func TestSizeUnmarshalYAML(t *testing.T) {
	var doc struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 4096\nb: 1Mi\n"), &doc))
	assert.Equal(t, int64(4096), doc.A.Bytes())
	assert.Equal(t, MiB, doc.B.Bytes())

	err := yaml.Unmarshal([]byte("a: lots\n"), &doc)
	assert.Error(t, err)
}
