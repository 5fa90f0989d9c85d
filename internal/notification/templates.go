package notification

import "blogmesh/pkg/models"

type template struct {
	text     string
	audience func(subject) string
}

func admins(subject) string { return "admins" }

func owner(s subject) string {
	if s.AuthorID != "" {
		return "user:" + s.AuthorID
	}
	return "user:" + s.ID
}

func followers(s subject) string {
	if s.AuthorID != "" {
		return "followers:" + s.AuthorID
	}
	return "followers"
}

var templates = map[string]template{
	models.EventUserCreated: {text: "Welcome aboard, %s", audience: owner},
	models.EventUserUpdated: {text: "Profile of %s was updated", audience: owner},
	models.EventUserDeleted: {text: "Account %s was deleted", audience: admins},

	models.EventPostCreated:   {text: "Draft %q was created", audience: owner},
	models.EventPostUpdated:   {text: "Post %q was updated", audience: owner},
	models.EventPostPublished: {text: "New post: %q", audience: followers},
	models.EventPostDeleted:   {text: "Post %q was removed", audience: owner},

	models.EventCategoryCreated: {text: "Category %s was added", audience: admins},
	models.EventCategoryUpdated: {text: "Category %s was changed", audience: admins},
	models.EventCategoryDeleted: {text: "Category %s was removed", audience: admins},
}
