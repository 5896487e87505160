package conversation

// BuildContext computes the ordered messages a model sees for a target.
//
// Without a branch id it returns the main line up to and including the
// latest committed message. For a branch that inherits context it returns the
// main line [0..attachment] followed by the branch messages; for an isolated
// branch only the branch messages. A missing branch or attachment yields an
// empty slice, which callers must treat as "cannot proceed".
//
// messageID is the attachment message for branch targets and is ignored for
// the main line.
func BuildContext(conv *Conversation, messageID, branchID string) []Message {
	if conv == nil {
		return []Message{}
	}
	if branchID == "" {
		last := conv.LastCommittedIndex()
		if last < 0 {
			return []Message{}
		}
		return cloneMessages(conv.Messages[:last+1])
	}

	branch, owner := FindBranch(conv, branchID)
	if branch == nil {
		return []Message{}
	}
	if messageID != "" && messageID != owner {
		return []Message{}
	}
	if !branch.InheritContext {
		return cloneMessages(branch.Messages)
	}

	k := conv.MessageIndex(owner)
	if k < 0 {
		return []Message{}
	}
	out := make([]Message, 0, k+1+len(branch.Messages))
	out = append(out, cloneMessages(conv.Messages[:k+1])...)
	out = append(out, cloneMessages(branch.Messages)...)
	return out
}
