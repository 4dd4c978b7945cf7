/*
Copyright 2024 Siteconf Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package settings

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestBoolCodec(t *testing.T) {
	t.Parallel()
	c := boolCodec{}

	for raw, want := range map[string]bool{
		"true": true, "TRUE": true, "True": true,
		"false": false, "FALSE": false,
	} {
		v, err := c.Parse(raw)
		require.NoError(t, err, "raw=%q", raw)
		require.Equal(t, want, v, "raw=%q", raw)
	}

	for _, raw := range []string{"", "yes", "no", "1", "0", "t"} {
		_, err := c.Parse(raw)
		require.True(t, trace.IsBadParameter(err), "raw=%q", raw)
	}

	out, err := c.Serialize(true)
	require.NoError(t, err)
	require.Equal(t, "true", out)
}

func TestIntCodecs(t *testing.T) {
	t.Parallel()

	v, err := intCodec{}.Parse("-17")
	require.NoError(t, err)
	require.Equal(t, int64(-17), v)

	_, err = intCodec{}.Parse("17.5")
	require.True(t, trace.IsBadParameter(err))

	_, err = positiveIntCodec{}.Parse("0")
	require.True(t, trace.IsBadParameter(err))
	_, err = positiveIntCodec{}.Parse("-3")
	require.True(t, trace.IsBadParameter(err))

	v, err = positiveIntCodec{}.Parse("3")
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func TestKeywordCodec(t *testing.T) {
	t.Parallel()
	c := keywordCodec{}

	v, err := c.Parse("table-view")
	require.NoError(t, err)
	require.Equal(t, "table-view", v)

	for _, raw := range []string{"", "Upper", "has space", "-leading"} {
		_, err := c.Parse(raw)
		require.True(t, trace.IsBadParameter(err), "raw=%q", raw)
	}
}

func TestTimestampCodec(t *testing.T) {
	t.Parallel()
	c := timestampCodec{}

	now := time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	raw, err := c.Serialize(now)
	require.NoError(t, err)

	v, err := c.Parse(raw)
	require.NoError(t, err)
	require.True(t, now.Equal(v.(time.Time)))

	_, err = c.Parse("yesterday")
	require.True(t, trace.IsBadParameter(err))
}

func TestCSVCodec(t *testing.T) {
	t.Parallel()
	c := csvCodec{}

	raw, err := c.Serialize([]string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, "a,b,c", raw)

	v, err := c.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, v)

	// quoting survives the round trip
	raw, err = c.Serialize([]string{`with "quotes"`, "with, comma"})
	require.NoError(t, err)
	v, err = c.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, []string{`with "quotes"`, "with, comma"}, v)
}

func TestCodecEchoFlags(t *testing.T) {
	t.Parallel()

	// codecs whose errors quote the offending input must declare it so
	// sensitive settings can redact
	echoing := map[Type]bool{
		TypeString:      false,
		TypeBool:        false,
		TypeInt:         true,
		TypePositiveInt: true,
		TypeDouble:      true,
		TypeKeyword:     true,
		TypeTimestamp:   true,
		TypeJSON:        true,
		TypeCSV:         false,
	}
	for typ, codec := range builtinCodecs() {
		require.Equal(t, echoing[typ], codec.EchoesInput(), "type=%v", typ)
	}
}
