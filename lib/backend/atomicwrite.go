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

package backend

import (
	"errors"

	"github.com/gravitational/trace"

	"github.com/siteconf/siteconf/lib/defaults"
)

// ErrConditionFailed is returned from AtomicWrite when one or more conditions
// failed to hold. The transaction is not applied.
var ErrConditionFailed = errors.New("condition failed")

// ConditionKind marks the kind of condition to be evaluated.
type ConditionKind int

const (
	// KindWhatever matches any state of the key, including nonexistence.
	KindWhatever ConditionKind = 1 + iota
	// KindExists asserts that a row exists at the key.
	KindExists
	// KindNotExists asserts that no row exists at the key.
	KindNotExists
)

// Condition specifies some requirement that a backend item must meet.
type Condition struct {
	// Kind is the kind of condition represented.
	Kind ConditionKind
}

// Whatever builds a Condition that matches any state.
func Whatever() Condition {
	return Condition{Kind: KindWhatever}
}

// Exists builds a Condition that asserts the target exists.
func Exists() Condition {
	return Condition{Kind: KindExists}
}

// NotExists builds a Condition that asserts the target does not exist.
func NotExists() Condition {
	return Condition{Kind: KindNotExists}
}

// ActionKind marks the kind of action to be taken.
type ActionKind int

const (
	// KindNop takes no action.
	KindNop ActionKind = 1 + iota
	// KindPut writes a new value to the target key.
	KindPut
	// KindDelete removes the row at the target key, if any.
	KindDelete
)

// Action specifies an action to be taken against a backend item.
type Action struct {
	// Kind is the kind of action represented.
	Kind ActionKind
	// Item is the item to be written for KindPut actions. Its Key field
	// is ignored in favor of the enclosing ConditionalAction's key.
	Item Item
}

// Put builds an Action that writes the provided item.
func Put(item Item) Action {
	return Action{Kind: KindPut, Item: item}
}

// Delete builds an Action that removes the target row.
func Delete() Action {
	return Action{Kind: KindDelete}
}

// Nop builds an Action that does nothing.
func Nop() Action {
	return Action{Kind: KindNop}
}

// ConditionalAction specifies a condition and an action associated with a
// given key. The condition must hold for the action to be taken.
type ConditionalAction struct {
	// Key is the key against which the associated condition and action
	// are to be applied.
	Key []byte
	// Condition must hold for the enclosing atomic write to apply.
	Condition Condition
	// Action is taken if all conditions in the enclosing atomic write hold.
	Action Action
}

// Check validates the basic correctness of the conditional action.
func (c *ConditionalAction) Check() error {
	if len(c.Key) == 0 {
		return trace.BadParameter("conditional action missing required parameter Key")
	}
	switch c.Condition.Kind {
	case KindWhatever, KindExists, KindNotExists:
	default:
		return trace.BadParameter("invalid condition kind %v for key %q", c.Condition.Kind, c.Key)
	}
	switch c.Action.Kind {
	case KindNop, KindPut, KindDelete:
	default:
		return trace.BadParameter("invalid action kind %v for key %q", c.Action.Kind, c.Key)
	}
	if c.Condition.Kind == KindWhatever && c.Action.Kind == KindNop {
		return trace.BadParameter("conditional action for key %q is a no-op", c.Key)
	}
	return nil
}

// ValidateAtomicWrite verifies that the supplied group of conditional actions
// is a valid atomic write: within size limits, individually well formed, and
// with no key referenced more than once.
func ValidateAtomicWrite(condacts []ConditionalAction) error {
	if len(condacts) > defaults.MaxAtomicWriteSize {
		return trace.BadParameter("too many conditional actions for atomic write (%d > %d)", len(condacts), defaults.MaxAtomicWriteSize)
	}
	if len(condacts) == 0 {
		return trace.BadParameter("empty atomic write")
	}
	keys := make(map[string]struct{}, len(condacts))
	for i := range condacts {
		if err := condacts[i].Check(); err != nil {
			return trace.Wrap(err)
		}
		key := string(condacts[i].Key)
		if _, ok := keys[key]; ok {
			return trace.BadParameter("multiple conditional actions target key %q", key)
		}
		keys[key] = struct{}{}
	}
	return nil
}
