package dataset

// recordSchema is the JSON schema every dataset record must satisfy.
const recordSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["question", "chosen", "rejected", "logps", "chosen_logits", "rejected_logits"],
  "properties": {
    "question": {"type": "string"},
    "chosen": {"type": "string"},
    "rejected": {"type": "string"},
    "image_path": {"type": "string"},
    "origin_dataset": {"type": "string"},
    "origin_split": {"type": "string"},
    "idx": {"type": "integer"},
    "logps": {"type": "string", "minLength": 2},
    "chosen_logits": {"type": "string", "minLength": 2},
    "rejected_logits": {"type": "string", "minLength": 2}
  }
}`
