package log

import "github.com/zeusync/hotswap/internal/core/models"

func Entity(id models.EntityID) Field {
	return Stringer("entity", id)
}

func View(id models.ViewID) Field {
	return Hex("view", uint64(id))
}

func ModelType(t models.ModelType) Field {
	return Hex("model_type", uint64(t))
}

func Component(id models.ComponentID) Field {
	return Hex("component", uint64(id))
}

func Module(name string) Field {
	return String("module", name)
}
