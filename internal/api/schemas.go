package api

// paymentSchema checks the shape of a payment request. Amount rules and the
// sum invariant are enforced by the payment validator so that they surface
// as 422 with the validator's reason.
const paymentSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["recipient_account_number", "sources", "total_amount"],
  "properties": {
    "recipient_account_number": {"type": "string", "minLength": 1, "maxLength": 64},
    "total_amount": {"$ref": "#/$defs/amount"},
    "memo": {"type": "string", "maxLength": 280},
    "sources": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "kind", "amount", "available_balance"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "maxLength": 64},
          "kind": {"type": "string", "minLength": 1},
          "name": {"type": "string", "maxLength": 255},
          "amount": {"$ref": "#/$defs/amount"},
          "available_balance": {"$ref": "#/$defs/amount"},
          "access_token": {"type": "string"},
          "external_account_id": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "amount": {
      "oneOf": [
        {"type": "number"},
        {"type": "string", "pattern": "^-?[0-9]+(\\.[0-9]+)?$"}
      ]
    }
  }
}`
