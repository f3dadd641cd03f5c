package metadata

import (
	"sort"
	"sync/atomic"
)

// catalog is one immutable snapshot of the full definition graph. Reload
// builds a new catalog and swaps it in whole; readers never observe a
// partially populated index.
type catalog struct {
	entities                  map[string]*Entity
	relationsByName           map[string]*Relation
	relationsBySource         map[string][]*Relation
	rulesByEntity             map[string][]*Rule         // sorted by priority
	stateMachinesByEntity     map[string][]*StateMachine
	workflowsByTrigger        map[string][]*Workflow // keyed "entity:field:to"
	workflowsByName           map[string]*Workflow
	permissionsByEntityAction map[string][]*Permission // keyed "entity:action"
	webhooksByEntityHook      map[string][]*Webhook    // keyed "entity:hook"
}

func emptyCatalog() *catalog {
	return &catalog{
		entities:                  map[string]*Entity{},
		relationsByName:           map[string]*Relation{},
		relationsBySource:         map[string][]*Relation{},
		rulesByEntity:             map[string][]*Rule{},
		stateMachinesByEntity:     map[string][]*StateMachine{},
		workflowsByTrigger:        map[string][]*Workflow{},
		workflowsByName:           map[string]*Workflow{},
		permissionsByEntityAction: map[string][]*Permission{},
		webhooksByEntityHook:      map[string][]*Webhook{},
	}
}

// Registry indexes every catalog definition for one application.
type Registry struct {
	snap atomic.Pointer[catalog]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptyCatalog())
	return r
}

func (r *Registry) current() *catalog {
	return r.snap.Load()
}

// Replace atomically installs a snapshot built from the given definitions.
func (r *Registry) Replace(entities []*Entity, relations []*Relation, rules []*Rule,
	machines []*StateMachine, workflows []*Workflow, permissions []*Permission,
	webhooks []*Webhook) {

	c := emptyCatalog()
	indexEntities(c, entities)
	indexRelations(c, relations)
	indexRules(c, rules)
	indexStateMachines(c, machines)
	indexWorkflows(c, workflows)
	indexPermissions(c, permissions)
	indexWebhooks(c, webhooks)
	r.snap.Store(c)
}

func indexEntities(c *catalog, entities []*Entity) {
	for _, e := range entities {
		c.entities[e.Name] = e
	}
}

func indexRelations(c *catalog, relations []*Relation) {
	for _, rel := range relations {
		c.relationsByName[rel.Name] = rel
		c.relationsBySource[rel.Source] = append(c.relationsBySource[rel.Source], rel)
	}
}

func indexRules(c *catalog, rules []*Rule) {
	for _, rule := range rules {
		c.rulesByEntity[rule.Entity] = append(c.rulesByEntity[rule.Entity], rule)
	}
	for _, list := range c.rulesByEntity {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority < list[j].Priority
		})
	}
}

func indexStateMachines(c *catalog, machines []*StateMachine) {
	for _, sm := range machines {
		c.stateMachinesByEntity[sm.Entity] = append(c.stateMachinesByEntity[sm.Entity], sm)
	}
}

func indexWorkflows(c *catalog, workflows []*Workflow) {
	for _, wf := range workflows {
		c.workflowsByName[wf.Name] = wf
		if wf.Trigger.Type == "state_change" {
			key := wf.Trigger.Entity + ":" + wf.Trigger.Field + ":" + wf.Trigger.To
			c.workflowsByTrigger[key] = append(c.workflowsByTrigger[key], wf)
		}
	}
}

func indexPermissions(c *catalog, permissions []*Permission) {
	for _, p := range permissions {
		key := p.Entity + ":" + p.Action
		c.permissionsByEntityAction[key] = append(c.permissionsByEntityAction[key], p)
	}
}

func indexWebhooks(c *catalog, webhooks []*Webhook) {
	for _, wh := range webhooks {
		key := wh.Entity + ":" + wh.Hook
		c.webhooksByEntityHook[key] = append(c.webhooksByEntityHook[key], wh)
	}
}

// clone shallow-copies the snapshot so one index group can be replaced.
func (c *catalog) clone() *catalog {
	dup := *c
	return &dup
}

// Load replaces entities and relations only, keeping the other indexes.
// Reloads through the Loader prefer Replace; this exists for tests and
// incremental setups.
func (r *Registry) Load(entities []*Entity, relations []*Relation) {
	c := r.current().clone()
	c.entities = map[string]*Entity{}
	c.relationsByName = map[string]*Relation{}
	c.relationsBySource = map[string][]*Relation{}
	indexEntities(c, entities)
	indexRelations(c, relations)
	r.snap.Store(c)
}

func (r *Registry) LoadRules(rules []*Rule) {
	c := r.current().clone()
	c.rulesByEntity = map[string][]*Rule{}
	indexRules(c, rules)
	r.snap.Store(c)
}

func (r *Registry) LoadStateMachines(machines []*StateMachine) {
	c := r.current().clone()
	c.stateMachinesByEntity = map[string][]*StateMachine{}
	indexStateMachines(c, machines)
	r.snap.Store(c)
}

func (r *Registry) LoadWorkflows(workflows []*Workflow) {
	c := r.current().clone()
	c.workflowsByTrigger = map[string][]*Workflow{}
	c.workflowsByName = map[string]*Workflow{}
	indexWorkflows(c, workflows)
	r.snap.Store(c)
}

func (r *Registry) LoadPermissions(permissions []*Permission) {
	c := r.current().clone()
	c.permissionsByEntityAction = map[string][]*Permission{}
	indexPermissions(c, permissions)
	r.snap.Store(c)
}

func (r *Registry) LoadWebhooks(webhooks []*Webhook) {
	c := r.current().clone()
	c.webhooksByEntityHook = map[string][]*Webhook{}
	indexWebhooks(c, webhooks)
	r.snap.Store(c)
}

// GetEntity returns the entity with the given name, or nil.
func (r *Registry) GetEntity(name string) *Entity {
	return r.current().entities[name]
}

// AllEntities returns every registered entity.
func (r *Registry) AllEntities() []*Entity {
	c := r.current()
	out := make([]*Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	return out
}

// GetRelation returns a relation by name, or nil.
func (r *Registry) GetRelation(name string) *Relation {
	return r.current().relationsByName[name]
}

// GetRelationsForSource returns relations whose source is the given entity.
func (r *Registry) GetRelationsForSource(entityName string) []*Relation {
	return r.current().relationsBySource[entityName]
}

// AllRelations returns every registered relation.
func (r *Registry) AllRelations() []*Relation {
	c := r.current()
	out := make([]*Relation, 0, len(c.relationsByName))
	for _, rel := range c.relationsByName {
		out = append(out, rel)
	}
	return out
}

// FindRelationForEntity resolves an include name against the given entity.
// Exact relation names win; then the target entity name works as an alias;
// then the conventional "{entity}_{include}" name.
func (r *Registry) FindRelationForEntity(relationName, entityName string) *Relation {
	c := r.current()
	if rel := c.relationsByName[relationName]; rel != nil &&
		(rel.Source == entityName || rel.Target == entityName) {
		return rel
	}
	for _, rel := range c.relationsByName {
		if rel.Source == entityName && rel.Target == relationName {
			return rel
		}
		if rel.Target == entityName && rel.Source == relationName {
			return rel
		}
	}
	return c.relationsByName[entityName+"_"+relationName]
}

// GetRulesForEntity returns active rules for an entity hook in priority order.
func (r *Registry) GetRulesForEntity(entityName, hook string) []*Rule {
	var out []*Rule
	for _, rule := range r.current().rulesByEntity[entityName] {
		if rule.Active && rule.Hook == hook {
			out = append(out, rule)
		}
	}
	return out
}

// GetStateMachinesForEntity returns the entity's active state machines.
func (r *Registry) GetStateMachinesForEntity(entityName string) []*StateMachine {
	var out []*StateMachine
	for _, sm := range r.current().stateMachinesByEntity[entityName] {
		if sm.Active {
			out = append(out, sm)
		}
	}
	return out
}

// GetWorkflowsForTrigger returns active workflows triggered when the given
// entity field transitions to the given state.
func (r *Registry) GetWorkflowsForTrigger(entity, field, toState string) []*Workflow {
	var out []*Workflow
	for _, wf := range r.current().workflowsByTrigger[entity+":"+field+":"+toState] {
		if wf.Active {
			out = append(out, wf)
		}
	}
	return out
}

// GetWorkflow returns a workflow by name, or nil.
func (r *Registry) GetWorkflow(name string) *Workflow {
	return r.current().workflowsByName[name]
}

// GetPermissions returns the policies for an entity and action.
func (r *Registry) GetPermissions(entity, action string) []*Permission {
	return r.current().permissionsByEntityAction[entity+":"+action]
}

// GetWebhooksForEntityHook returns active webhooks for an entity hook.
func (r *Registry) GetWebhooksForEntityHook(entity, hook string) []*Webhook {
	var out []*Webhook
	for _, wh := range r.current().webhooksByEntityHook[entity+":"+hook] {
		if wh.Active {
			out = append(out, wh)
		}
	}
	return out
}
