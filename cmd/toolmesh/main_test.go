// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"reflect"
	"testing"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{
			name:  "strings stay strings",
			pairs: []string{"name=aspirin"},
			want:  map[string]interface{}{"name": "aspirin"},
		},
		{
			name:  "numbers arrive typed",
			pairs: []string{"dose=2.5", "count=3"},
			want:  map[string]interface{}{"dose": 2.5, "count": float64(3)},
		},
		{
			name:  "booleans arrive typed",
			pairs: []string{"active=true"},
			want:  map[string]interface{}{"active": true},
		},
		{
			name:  "json arrays pass through",
			pairs: []string{`ids=[1,2]`},
			want:  map[string]interface{}{"ids": []interface{}{float64(1), float64(2)}},
		},
		{
			name:  "quoted values force strings",
			pairs: []string{`id="42"`},
			want:  map[string]interface{}{"id": "42"},
		},
		{
			name:  "empty value is an empty string",
			pairs: []string{"note="},
			want:  map[string]interface{}{"note": ""},
		},
		{
			name:  "value may contain equals",
			pairs: []string{"query=a=b"},
			want:  map[string]interface{}{"query": "a=b"},
		},
		{
			name:  "no pairs means nil args",
			pairs: nil,
			want:  nil,
		},
		{
			name:    "missing equals is rejected",
			pairs:   []string{"aspirin"},
			wantErr: true,
		},
		{
			name:    "empty key is rejected",
			pairs:   []string{"=aspirin"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseArgs = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDefaultAddr(t *testing.T) {
	t.Setenv("TOOLMESH_ADDR", "")
	if got := defaultAddr(); got != "http://127.0.0.1:8317" {
		t.Errorf("defaultAddr = %q", got)
	}

	t.Setenv("TOOLMESH_ADDR", "http://10.0.0.5:9000 ")
	if got := defaultAddr(); got != "http://10.0.0.5:9000" {
		t.Errorf("defaultAddr with env = %q", got)
	}
}
