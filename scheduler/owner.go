package scheduler

import "github.com/google/uuid"

func randomOwnerID() string { return "scheduler-" + uuid.NewString() }
