package classify

// DocumentSchema returns the Mangle declarations for base facts describing
// one document. Numeric comparisons and geometry are settled in Go before
// fact emission, so every predicate here is either a marker or a pair.
func DocumentSchema() string {
	return `
# Document structure
Decl elem(Sel, Tag).
Decl interactive(Sel).
Decl decorative(Sel).

# Resolved style markers
Decl opacity_zero(Sel).
Decl display_none(Sel).
Decl visibility_hidden(Sel).
Decl pointer_none(Sel).
Decl unlayered(Sel).

# Geometry and stacking relations
Decl covered_by(Victim, Blocker).
Decl outranked_by(Victim, Blocker).

# Transform analysis
Decl transform_hides(Sel).
Decl transform_displaces(Sel).

# Interaction feedback styling
Decl no_feedback_style(Sel).
Decl faint_feedback_style(Sel).

# Script analysis
Decl script_missing_ref(Script, Id).
Decl script_syntax_error(Script).

# Validation report fusion
Decl report_failed(Sel).
Decl report_hit_self(Sel).
Decl report_hit_other(Victim, Blocker).
`
}

// DefectRules returns the Mangle rules deriving defect families from the
// base facts. Intermediate predicates name the individual findings; the
// classifier queries them per element to build evidence lists.
func DefectRules() string {
	return `
# Visibility: the element itself is suppressed.
Decl hidden_by_opacity(Sel).
hidden_by_opacity(S) :- interactive(S), opacity_zero(S).

Decl hidden_by_display(Sel).
hidden_by_display(S) :- interactive(S), display_none(S).

Decl hidden_by_visibility(Sel).
hidden_by_visibility(S) :- interactive(S), visibility_hidden(S).

Decl defect_visibility(Sel).
defect_visibility(S) :- hidden_by_opacity(S).
defect_visibility(S) :- hidden_by_display(S).
defect_visibility(S) :- hidden_by_visibility(S).

# Stacking: covered by a decorative element while carrying no explicit layer.
Decl buried_unlayered(Victim, Blocker).
buried_unlayered(S, B) :- interactive(S), unlayered(S), covered_by(S, B), decorative(B).

Decl defect_stacking(Sel).
defect_stacking(S) :- buried_unlayered(S, B).

# Pointer routing: input cannot reach the element.
Decl routed_away(Sel).
routed_away(S) :- interactive(S), pointer_none(S).

Decl intercepted(Victim, Blocker).
intercepted(S, B) :- interactive(S), covered_by(S, B), outranked_by(S, B), decorative(B).

Decl misrouted(Victim, Blocker).
misrouted(S, B) :- interactive(S), report_hit_other(S, B).

Decl defect_pointer(Sel).
defect_pointer(S) :- routed_away(S).
defect_pointer(S) :- intercepted(S, B).
defect_pointer(S) :- misrouted(S, B).

# Spatial transforms that rotate the face away or displace the element.
Decl transform_backface(Sel).
transform_backface(S) :- interactive(S), transform_hides(S).

Decl transform_exiled(Sel).
transform_exiled(S) :- interactive(S), transform_displaces(S).

Decl defect_transform(Sel).
defect_transform(S) :- transform_backface(S).
defect_transform(S) :- transform_exiled(S).

# Feedback intensity: interaction reaches the element but the declared
# response is negligible. A missing response only counts once a validation
# report confirms the element fails while being hit directly.
Decl feedback_declared_faint(Sel).
feedback_declared_faint(S) :- interactive(S), faint_feedback_style(S).

Decl feedback_missing_confirmed(Sel).
feedback_missing_confirmed(S) :- interactive(S), report_failed(S), report_hit_self(S), no_feedback_style(S).

Decl defect_feedback(Sel).
defect_feedback(S) :- feedback_declared_faint(S).
defect_feedback(S) :- feedback_missing_confirmed(S).

# Script faults.
Decl script_broken(Script).
script_broken(S) :- script_syntax_error(S).

Decl script_dangling(Script).
script_dangling(S) :- script_missing_ref(S, Id).

Decl defect_script(Sel).
defect_script(S) :- script_broken(S).
defect_script(S) :- script_dangling(S).
`
}
