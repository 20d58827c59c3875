// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cm

import "strings"

// Classification is the result of sniffing a connection error's text.
type Classification int

const (
	// ClassifyNetworkError marks a recoverable error: retry with backoff.
	ClassifyNetworkError Classification = iota
	// ClassifyAuthFailed marks a terminal error for the ServerId.
	ClassifyAuthFailed
)

// AuthFailedPhrases is the lexicon of substrings (case-insensitive) that
// classify an error as a terminal authentication failure. Exposed as data
// so operators can extend it without touching the state machine.
var AuthFailedPhrases = []string{
	"invalid grant",
	"invalid_grant",
	"unauthorized",
	"invalid credentials",
	"wrong username or password",
	"access denied",
	"authentication required",
	"invalid user",
	"bad credentials",
}

// NetworkErrorPhrases is the lexicon of substrings that classify an error
// as a recoverable network failure. Any error matching neither lexicon is
// also treated as a network error, since unclassified failures default to
// recoverable rather than terminal.
var NetworkErrorPhrases = []string{
	"timeout",
	"refused",
	"network",
	"connection reset",
	"econnreset",
	"host unreachable",
	"ehostunreach",
	"socket hang up",
	"connection closed",
}

// Classify sniffs err's message against the two lexicons. AuthFailedPhrases
// is checked first since a terminal failure must never be misread as
// recoverable; NetworkErrorPhrases is checked second purely for the named
// lexicon to account for its own matches explicitly, but an error matching
// neither still classifies as ClassifyNetworkError, since unclassified
// failures default to recoverable rather than terminal.
func Classify(err error) Classification {
	if err == nil {
		return ClassifyNetworkError
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range AuthFailedPhrases {
		if strings.Contains(msg, phrase) {
			return ClassifyAuthFailed
		}
	}
	for _, phrase := range NetworkErrorPhrases {
		if strings.Contains(msg, phrase) {
			return ClassifyNetworkError
		}
	}
	return ClassifyNetworkError
}
