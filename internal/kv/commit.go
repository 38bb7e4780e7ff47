package kv

// stagedWrite is the final state of one key after all mutations of a commit.
type stagedWrite struct {
	key     Key
	value   []byte
	deleted bool
}

type readFunc func(key Key) (value []byte, exists bool, err error)

// stageMutations folds the mutations of an operation into one final write per key, in
// first-touch order. Nothing is written; backends apply the result only if it succeeds.
func stageMutations(mutations []Mutation, read readFunc) ([]*stagedWrite, error) {
	byKey := make(map[string]*stagedWrite, len(mutations))
	order := make([]*stagedWrite, 0, len(mutations))

	lookup := func(key Key) (*stagedWrite, error) {
		if staged, ok := byKey[string(key)]; ok {
			return staged, nil
		}
		value, exists, err := read(key)
		if err != nil {
			return nil, err
		}
		staged := &stagedWrite{key: append(Key(nil), key...), value: value, deleted: !exists}
		byKey[string(key)] = staged
		order = append(order, staged)
		return staged, nil
	}

	for _, mutation := range mutations {
		staged, err := lookup(mutation.Key)
		if err != nil {
			return nil, err
		}
		switch mutation.Kind {
		case MutationSet:
			staged.value = append([]byte(nil), mutation.Value...)
			staged.deleted = false
		case MutationDelete:
			staged.value = nil
			staged.deleted = true
		case MutationAddUnsigned:
			next, err := addUnsigned(staged.value, !staged.deleted, mutation.Delta)
			if err != nil {
				return nil, err
			}
			staged.value = next
			staged.deleted = false
		}
	}
	return order, nil
}
