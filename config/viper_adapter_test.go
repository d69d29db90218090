/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestViperAdapterGetters(t *testing.T) {
	cfgData := bytes.NewBufferString(`
srv:
  enabled: true
  workers: 8
  rate: 2.5
  name: primary
  mode: active
  tags:
    - a
    - b
  timeout: 15s
  labels:
    env: dev
  maxSize: 10MB
`)
	va := NewViperAdapter()
	require.NoError(t, va.SetFromReader(cfgData, DataTypeYAML))

	b, err := va.GetBool("srv.enabled")
	require.NoError(t, err)
	require.True(t, b)

	i, err := va.GetInt("srv.workers")
	require.NoError(t, err)
	require.Equal(t, 8, i)

	f, err := va.GetFloat64("srv.rate")
	require.NoError(t, err)
	require.Equal(t, 2.5, f)

	s, err := va.GetString("srv.name")
	require.NoError(t, err)
	require.Equal(t, "primary", s)

	s, err = va.GetStringFromSet("srv.mode", []string{"active", "passive"}, false)
	require.NoError(t, err)
	require.Equal(t, "active", s)

	_, err = va.GetStringFromSet("srv.mode", []string{"on", "off"}, false)
	require.Error(t, err)

	ss, err := va.GetStringSlice("srv.tags")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ss)

	d, err := va.GetDuration("srv.timeout")
	require.NoError(t, err)
	require.Equal(t, 15*time.Second, d)

	m, err := va.GetStringMapString("srv.labels")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"env": "dev"}, m)

	bs, err := va.GetByteSize("srv.maxSize")
	require.NoError(t, err)
	require.Equal(t, ByteSize(10*1024*1024), bs)
}

func TestViperAdapterGetByteSize(t *testing.T) {
	va := NewViperAdapter()
	va.Set("size.str", "1K")
	va.Set("size.int", 2048)
	va.Set("size.neg", -1)
	va.Set("size.bad", "not-a-size")

	bs, err := va.GetByteSize("size.str")
	require.NoError(t, err)
	require.Equal(t, ByteSize(1024), bs)

	bs, err = va.GetByteSize("size.int")
	require.NoError(t, err)
	require.Equal(t, ByteSize(2048), bs)

	bs, err = va.GetByteSize("size.missing")
	require.NoError(t, err)
	require.Equal(t, ByteSize(0), bs)

	_, err = va.GetByteSize("size.neg")
	require.Error(t, err)

	_, err = va.GetByteSize("size.bad")
	require.Error(t, err)
}

func TestViperAdapterErrorsContainKey(t *testing.T) {
	va := NewViperAdapter()
	va.Set("srv.workers", "not-a-number")
	_, err := va.GetInt("srv.workers")
	require.Error(t, err)
	require.Contains(t, err.Error(), "srv.workers")
}
