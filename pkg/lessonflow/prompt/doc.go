/*
Package prompt holds the text sent to the planning and execution models and
the ${var} expander that fills it in.

# Expansion

Expand substitutes ${name} (and, when enabled, $name) placeholders in a
single left-to-right pass, so substituted values are never re-scanned. A
value containing "${x}" is emitted literally:

	out := prompt.Expand("Refinement request #${iteration}.", map[string]any{"iteration": 1})
	// out: "Refinement request #1."

Missing variables are kept by default. Use WithMissingAction to drop them or
to fail with *UndefinedVariableError.

# Prompts

PlannerSystem and ExecutorSystem are system prompts. Refinement is the
feedback template appended to the teacher's prompt on every refinement
iteration; its layout is fixed so repeated iterations give the planner the
same signal in the same shape.
*/
package prompt
